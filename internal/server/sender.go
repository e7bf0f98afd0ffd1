package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"portalpush/internal/config"
	"portalpush/internal/platform"
)

// Sender delivers web push messages to every subscription of a user and
// prunes subscriptions the push service reports as gone.
type Sender struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	ttl    int
	log    *slog.Logger
	center *Center
}

func NewSender(db *gorm.DB, keys *config.VAPIDKeys, ttl int, center *Center, log *slog.Logger) *Sender {
	return &Sender{db: db, keys: keys, ttl: ttl, center: center, log: log}
}

// pushPayload is the JSON body encrypted into each push message. The worker's
// renderer understands both the message/category and body/tag spellings; the
// server always emits the former.
type pushPayload struct {
	Title    string                        `json:"title"`
	Message  string                        `json:"message"`
	Category string                        `json:"category,omitempty"`
	Payload  map[string]any                `json:"payload,omitempty"`
	Actions  []platform.NotificationAction `json:"actions,omitempty"`
}

// SendToUser pushes one notification to all of userID's subscriptions and
// returns the delivery outcome recorded in the log.
func (s *Sender) SendToUser(ctx context.Context, userID string, p pushPayload) string {
	status := s.deliver(ctx, userID, p)
	entry := DeliveryLog{UserID: userID, Title: p.Title, Status: status}
	if err := s.db.Create(&entry).Error; err != nil {
		s.log.Error("cannot record delivery", "user_id", userID, "error", err)
	}
	if s.center != nil {
		s.center.Publish(userID, p)
	}
	return status
}

func (s *Sender) deliver(ctx context.Context, userID string, p pushPayload) string {
	var subscriptions []PushSubscription
	if err := s.db.Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		s.log.Error("cannot query subscriptions", "user_id", userID, "error", err)
		return DeliveryFailed
	}
	if len(subscriptions) == 0 {
		return DeliveryNoSubscription
	}

	body, err := json.Marshal(p)
	if err != nil {
		s.log.Error("cannot encode push payload", "error", err)
		return DeliveryFailed
	}

	delivered := 0
	for _, sub := range subscriptions {
		if err := s.sendOne(ctx, &sub, body); err != nil {
			s.log.Warn("push delivery failed", "user_id", userID, "subscription", sub.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return DeliveryFailed
	}
	return DeliverySent
}

func (s *Sender) sendOne(ctx context.Context, sub *PushSubscription, body []byte) error {
	if err := validateSubscriptionKeys(sub); err != nil {
		// Keys this broken will never decrypt anything. Drop the row.
		s.db.Delete(sub)
		return err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.keys.Subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	// 404 and 410 mean the push service dropped the endpoint for good.
	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		s.log.Info("subscription expired, pruning", "subscription", sub.ID, "status", resp.StatusCode)
		s.db.Delete(sub)
		return fmt.Errorf("endpoint gone: status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push service status %d", resp.StatusCode)
	}
	return nil
}

// validateSubscriptionKeys rejects key material that cannot possibly work: a
// p256dh that is not a 65-byte uncompressed point or an auth secret that is
// not 16 bytes.
func validateSubscriptionKeys(sub *PushSubscription) error {
	p256dh, err := decodeKey(sub.P256DH)
	if err != nil {
		return fmt.Errorf("p256dh key: %w", err)
	}
	if len(p256dh) != 65 || p256dh[0] != 0x04 {
		return fmt.Errorf("p256dh key is not an uncompressed P-256 point (%d bytes)", len(p256dh))
	}
	auth, err := decodeKey(sub.Auth)
	if err != nil {
		return fmt.Errorf("auth secret: %w", err)
	}
	if len(auth) != 16 {
		return fmt.Errorf("auth secret has %d bytes, want 16", len(auth))
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
