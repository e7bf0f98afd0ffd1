// Package backend is the REST client for the portal's notification API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portalpush/internal/platform"
)

// Client talks JSON to the notification endpoints. Responses arrive wrapped
// in a {"data": ...} envelope. Timeouts are whatever the injected
// http.Client carries; the client adds no deadlines of its own.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

// New creates a client for the API at baseURL. token is attached as a bearer
// credential. A nil httpc falls back to a client with a 30s timeout.
func New(baseURL, token string, httpc *http.Client, log *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   httpc,
		log:     log,
	}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// SendRequest asks the backend to push one notification to a user.
type SendRequest struct {
	UserID   string                        `json:"user_id"`
	Title    string                        `json:"title"`
	Message  string                        `json:"message"`
	Category string                        `json:"category,omitempty"`
	Payload  map[string]any                `json:"payload,omitempty"`
	Actions  []platform.NotificationAction `json:"actions,omitempty"`
}

// BulkRequest fans one notification out to many users.
type BulkRequest struct {
	UserIDs  []string                      `json:"user_ids"`
	Title    string                        `json:"title"`
	Message  string                        `json:"message"`
	Category string                        `json:"category,omitempty"`
	Payload  map[string]any                `json:"payload,omitempty"`
	Actions  []platform.NotificationAction `json:"actions,omitempty"`
}

// BulkResult is the server-reported outcome of a bulk send.
type BulkResult struct {
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	NoSubscription int `json:"no_subscription"`
}

// Stats are the delivery totals the backend tracks.
type Stats struct {
	TotalSent           int `json:"total_sent"`
	TotalFailed         int `json:"total_failed"`
	TotalNoSubscription int `json:"total_no_subscription"`
	ActiveSubscriptions int `json:"active_subscriptions"`
}

// ActionRequest records a notification action the user took.
type ActionRequest struct {
	Action   string         `json:"action"`
	Category string         `json:"category,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ActionResult optionally redirects the user after an action.
type ActionResult struct {
	RedirectURL string `json:"redirect_url,omitempty"`
}

// VAPIDKey fetches the server's public VAPID key.
func (c *Client) VAPIDKey(ctx context.Context) (string, error) {
	var out struct {
		VapidPublicKey string `json:"vapid_public_key"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/vapid-key", nil, &out); err != nil {
		return "", err
	}
	if out.VapidPublicKey == "" {
		return "", fmt.Errorf("vapid key response missing key")
	}
	return out.VapidPublicKey, nil
}

// Subscribe registers a push subscription for userID.
func (c *Client) Subscribe(ctx context.Context, userID string, sub *platform.Subscription) error {
	body := struct {
		UserID           string                 `json:"user_id"`
		SubscriptionInfo *platform.Subscription `json:"subscription_info"`
	}{UserID: userID, SubscriptionInfo: sub}
	return c.do(ctx, http.MethodPost, "/notifications/subscribe", body, nil)
}

// Unsubscribe removes all push subscriptions of userID.
func (c *Client) Unsubscribe(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/unsubscribe/"+url.PathEscape(userID), nil, nil)
}

// Send pushes a notification to one user.
func (c *Client) Send(ctx context.Context, req SendRequest) error {
	return c.do(ctx, http.MethodPost, "/notifications/send", req, nil)
}

// SendBulk pushes a notification to many users and returns the per-outcome
// counts.
func (c *Client) SendBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	var out BulkResult
	if err := c.do(ctx, http.MethodPost, "/notifications/send-bulk", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats reads the delivery totals.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/notifications/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Action reports a notification action press.
func (c *Client) Action(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	var out ActionResult
	if err := c.do(ctx, http.MethodPost, "/notifications/action", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubscription replaces an invalidated subscription with its successor.
func (c *Client) UpdateSubscription(ctx context.Context, old, updated *platform.Subscription) error {
	body := struct {
		OldSubscription *platform.Subscription `json:"oldSubscription"`
		NewSubscription *platform.Subscription `json:"newSubscription"`
	}{OldSubscription: old, NewSubscription: updated}
	return c.do(ctx, http.MethodPost, "/notifications/update-subscription", body, nil)
}

// TrackClose records that a notification was dismissed.
func (c *Client) TrackClose(ctx context.Context, tag string, ts time.Time) error {
	body := struct {
		Tag       string `json:"tag"`
		Timestamp int64  `json:"timestamp"`
	}{Tag: tag, Timestamp: ts.UnixMilli()}
	return c.do(ctx, http.MethodPost, "/notifications/track-close", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%s %s: response has no data", method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
