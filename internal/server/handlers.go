// Package server is the portal-side notification API: subscription storage,
// web push delivery, delivery stats and the live notification center.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"portalpush/internal/config"
	"portalpush/internal/platform"
)

type Handlers struct {
	db       *gorm.DB
	cfg      *config.Config
	sender   *Sender
	center   *Center
	metrics  *Metrics
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandlers(db *gorm.DB, cfg *config.Config, log *slog.Logger) *Handlers {
	center := NewCenter(log)
	return &Handlers{
		db:      db,
		cfg:     cfg,
		sender:  NewSender(db, cfg.VAPIDKeys, cfg.PushTTL, center, log),
		center:  center,
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// respond wraps a payload in the data envelope every endpoint uses.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

type subscribeRequest struct {
	UserID           string                `json:"user_id" binding:"required"`
	SubscriptionInfo platform.Subscription `json:"subscription_info" binding:"required"`
}

type sendRequest struct {
	UserID   string                        `json:"user_id" binding:"required"`
	Title    string                        `json:"title" binding:"required"`
	Message  string                        `json:"message" binding:"required"`
	Category string                        `json:"category"`
	Payload  map[string]any                `json:"payload"`
	Actions  []platform.NotificationAction `json:"actions"`
}

type bulkRequest struct {
	UserIDs  []string                      `json:"user_ids" binding:"required"`
	Title    string                        `json:"title" binding:"required"`
	Message  string                        `json:"message" binding:"required"`
	Category string                        `json:"category"`
	Payload  map[string]any                `json:"payload"`
	Actions  []platform.NotificationAction `json:"actions"`
}

type actionRequest struct {
	Action   string         `json:"action" binding:"required"`
	Category string         `json:"category"`
	Payload  map[string]any `json:"payload"`
}

type updateSubscriptionRequest struct {
	OldSubscription *platform.Subscription `json:"oldSubscription"`
	NewSubscription *platform.Subscription `json:"newSubscription" binding:"required"`
}

type trackCloseRequest struct {
	Tag       string `json:"tag"`
	Timestamp int64  `json:"timestamp"`
}

// GetVAPIDKey hands out the public application server key. Public: browsers
// need it before any authentication happens.
func (h *Handlers) GetVAPIDKey(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"vapid_public_key": h.cfg.VAPIDKeys.PublicKey})
}

// Subscribe stores a push subscription. A re-subscription from the same
// endpoint replaces the stored row instead of accumulating duplicates.
func (h *Handlers) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SubscriptionInfo.Endpoint == "" || req.SubscriptionInfo.Keys.P256dh == "" || req.SubscriptionInfo.Keys.Auth == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription_info is incomplete"})
		return
	}

	if err := h.db.Where("user_id = ? AND endpoint = ?", req.UserID, req.SubscriptionInfo.Endpoint).
		Delete(&PushSubscription{}).Error; err != nil {
		h.log.Error("cannot drop stale subscription", "user_id", req.UserID, "error", err)
	}

	sub := PushSubscription{
		UserID:   req.UserID,
		Endpoint: req.SubscriptionInfo.Endpoint,
		P256DH:   req.SubscriptionInfo.Keys.P256dh,
		Auth:     req.SubscriptionInfo.Keys.Auth,
	}
	if err := h.db.Create(&sub).Error; err != nil {
		h.log.Error("cannot store subscription", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}

	h.log.Info("subscription stored", "user_id", req.UserID, "subscription", sub.ID)
	respond(c, http.StatusCreated, sub)
}

// Unsubscribe removes every subscription of the user. Removing zero rows is
// still a success: the end state is the same.
func (h *Handlers) Unsubscribe(c *gin.Context) {
	userID := c.Param("user_id")

	result := h.db.Where("user_id = ?", userID).Delete(&PushSubscription{})
	if result.Error != nil {
		h.log.Error("cannot delete subscriptions", "user_id", userID, "error", result.Error)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete subscriptions"})
		return
	}

	h.log.Info("subscriptions removed", "user_id", userID, "count", result.RowsAffected)
	respond(c, http.StatusOK, gin.H{"removed": result.RowsAffected})
}

// Send pushes one notification to one user.
func (h *Handlers) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := h.sender.SendToUser(c.Request.Context(), req.UserID, pushPayload{
		Title:    req.Title,
		Message:  req.Message,
		Category: req.Category,
		Payload:  req.Payload,
		Actions:  req.Actions,
	})
	h.metrics.ObserveDelivery(status)
	respond(c, http.StatusOK, gin.H{"status": status})
}

// SendBulk pushes one notification to many users and reports per-outcome
// counts.
func (h *Handlers) SendBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := pushPayload{
		Title:    req.Title,
		Message:  req.Message,
		Category: req.Category,
		Payload:  req.Payload,
		Actions:  req.Actions,
	}

	var sent, failed, noSubscription int
	for _, userID := range req.UserIDs {
		status := h.sender.SendToUser(c.Request.Context(), userID, payload)
		h.metrics.ObserveDelivery(status)
		switch status {
		case DeliverySent:
			sent++
		case DeliveryNoSubscription:
			noSubscription++
		default:
			failed++
		}
	}

	respond(c, http.StatusOK, gin.H{
		"sent":            sent,
		"failed":          failed,
		"no_subscription": noSubscription,
	})
}

// GetStats aggregates the delivery log and subscription table.
func (h *Handlers) GetStats(c *gin.Context) {
	counts := map[string]int64{}
	rows := []struct {
		Status string
		Total  int64
	}{}
	if err := h.db.Model(&DeliveryLog{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error; err != nil {
		h.log.Error("cannot aggregate deliveries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stats"})
		return
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}

	var active int64
	if err := h.db.Model(&PushSubscription{}).Count(&active).Error; err != nil {
		h.log.Error("cannot count subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stats"})
		return
	}

	respond(c, http.StatusOK, gin.H{
		"total_sent":            counts[DeliverySent],
		"total_failed":          counts[DeliveryFailed],
		"total_no_subscription": counts[DeliveryNoSubscription],
		"active_subscriptions":  active,
	})
}

// Action records a notification action press. A details press on a payload
// carrying a URL redirects there.
func (h *Handlers) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.log.Info("notification action", "action", req.Action, "category", req.Category)

	redirect := ""
	if req.Action == "details" {
		if u, ok := req.Payload["url"].(string); ok {
			redirect = u
		}
	}
	respond(c, http.StatusOK, gin.H{"redirect_url": redirect})
}

// UpdateSubscription replaces an invalidated subscription with its renewal,
// keeping the owning user. Without the old endpoint the new subscription
// cannot be attributed and is rejected.
func (h *Handlers) UpdateSubscription(c *gin.Context) {
	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OldSubscription == nil || req.OldSubscription.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "oldSubscription is required"})
		return
	}

	var stored PushSubscription
	if err := h.db.Where("endpoint = ?", req.OldSubscription.Endpoint).First(&stored).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	stored.Endpoint = req.NewSubscription.Endpoint
	stored.P256DH = req.NewSubscription.Keys.P256dh
	stored.Auth = req.NewSubscription.Keys.Auth
	if err := h.db.Save(&stored).Error; err != nil {
		h.log.Error("cannot update subscription", "subscription", stored.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update subscription"})
		return
	}

	h.log.Info("subscription renewed", "user_id", stored.UserID, "subscription", stored.ID)
	respond(c, http.StatusOK, stored)
}

// TrackClose records a notification dismissal.
func (h *Handlers) TrackClose(c *gin.Context) {
	var req trackCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	closedAt := time.Now()
	if req.Timestamp > 0 {
		closedAt = time.UnixMilli(req.Timestamp)
	}
	entry := ClosedNotification{Tag: req.Tag, ClosedAt: closedAt}
	if err := h.db.Create(&entry).Error; err != nil {
		h.log.Error("cannot record close", "tag", req.Tag, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record close"})
		return
	}
	respond(c, http.StatusOK, gin.H{"recorded": true})
}

// HandleWebSocket upgrades the connection and joins the user's notification
// center.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	h.center.Serve(conn, userID)
}

// IssueDevToken mints a token for the given user. Development convenience;
// the production portal has its own identity provider.
func (h *Handlers) IssueDevToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respond(c, http.StatusOK, gin.H{"token": h.IssueToken(req.UserID)})
}

// Center exposes the notification center, mainly for tests.
func (h *Handlers) Center() *Center { return h.center }

// Metrics exposes the metrics instruments for router wiring.
func (h *Handlers) Metrics() *Metrics { return h.metrics }
