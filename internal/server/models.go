package server

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushSubscription is one browser instance registered for a user. A user can
// hold several, one per device or browser profile.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// Delivery outcomes recorded per send attempt.
const (
	DeliverySent           = "sent"
	DeliveryFailed         = "failed"
	DeliveryNoSubscription = "no_subscription"
)

// DeliveryLog is one send attempt to one user. The stats endpoint aggregates
// these rows.
type DeliveryLog struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Title     string    `gorm:"type:text" json:"title"`
	Status    string    `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *DeliveryLog) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// ClosedNotification records a dismissal reported by a worker, for engagement
// analysis.
type ClosedNotification struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Tag       string    `gorm:"type:varchar(100);index" json:"tag"`
	ClosedAt  time.Time `json:"closed_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *ClosedNotification) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}
