package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalpush/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handlers) {
	t.Helper()

	db, err := OpenDatabase(":memory:")
	require.NoError(t, err)

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	cfg := &config.Config{
		JWTSecret: "test-secret",
		VAPIDKeys: &config.VAPIDKeys{
			PublicKey:  pub,
			PrivateKey: priv,
			Subject:    "mailto:dev@portal.example",
		},
		PushTTL: 30,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(db, cfg, log)
	srv := httptest.NewServer(NewRouter(h, log))
	t.Cleanup(srv.Close)
	return srv, h
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	decoded := map[string]json.RawMessage{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func subscriptionBody(userID, endpoint string) map[string]any {
	return map[string]any{
		"user_id": userID,
		"subscription_info": map[string]any{
			"endpoint": endpoint,
			"keys":     map[string]string{"p256dh": "BPoint", "auth": "c2VjcmV0"},
		},
	}
}

func TestVAPIDKeyIsPublic(t *testing.T) {
	srv, h := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/notifications/vapid-key", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		VapidPublicKey string `json:"vapid_public_key"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, h.cfg.VAPIDKeys.PublicKey, data.VapidPublicKey)
}

func TestEndpointsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", "", subscriptionBody("u", "https://p/e"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/notifications/stats", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeDedupesEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/b"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var count int64
	require.NoError(t, h.db.Model(&PushSubscription{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.EqualValues(t, 2, count, "same endpoint must replace, different endpoint must add")
}

func TestSubscribeRejectsIncompleteInfo(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	body := map[string]any{
		"user_id":           "user-1",
		"subscription_info": map[string]any{"endpoint": "https://push.example/a"},
	}
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnsubscribeRemovesAll(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/a"))
	doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/b"))

	resp, body := doJSON(t, srv, http.MethodDelete, "/api/notifications/unsubscribe/user-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, 2, data.Removed)

	// Idempotent: deleting again removes nothing but still succeeds.
	resp, _ = doJSON(t, srv, http.MethodDelete, "/api/notifications/unsubscribe/user-1", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendWithoutSubscription(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("admin")

	resp, body := doJSON(t, srv, http.MethodPost, "/api/notifications/send", token, map[string]any{
		"user_id": "ghost",
		"title":   "hello",
		"message": "anyone there",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, DeliveryNoSubscription, data.Status)

	var entry DeliveryLog
	require.NoError(t, h.db.First(&entry, "user_id = ?", "ghost").Error)
	assert.Equal(t, DeliveryNoSubscription, entry.Status)
}

func TestStatsAggregation(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("admin")

	require.NoError(t, h.db.Create(&DeliveryLog{UserID: "a", Status: DeliverySent}).Error)
	require.NoError(t, h.db.Create(&DeliveryLog{UserID: "a", Status: DeliverySent}).Error)
	require.NoError(t, h.db.Create(&DeliveryLog{UserID: "b", Status: DeliveryFailed}).Error)
	require.NoError(t, h.db.Create(&DeliveryLog{UserID: "c", Status: DeliveryNoSubscription}).Error)
	require.NoError(t, h.db.Create(&PushSubscription{UserID: "a", Endpoint: "https://p/1", P256DH: "k", Auth: "a"}).Error)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/notifications/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		TotalSent           int `json:"total_sent"`
		TotalFailed         int `json:"total_failed"`
		TotalNoSubscription int `json:"total_no_subscription"`
		ActiveSubscriptions int `json:"active_subscriptions"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, 2, data.TotalSent)
	assert.Equal(t, 1, data.TotalFailed)
	assert.Equal(t, 1, data.TotalNoSubscription)
	assert.Equal(t, 1, data.ActiveSubscriptions)
}

func TestActionDetailsRedirect(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	resp, body := doJSON(t, srv, http.MethodPost, "/api/notifications/action", token, map[string]any{
		"action":   "details",
		"category": "docs",
		"payload":  map[string]any{"url": "/docs/9"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, "/docs/9", data.RedirectURL)

	resp, body = doJSON(t, srv, http.MethodPost, "/api/notifications/action", token, map[string]any{
		"action": "confirm",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Empty(t, data.RedirectURL)
}

func TestUpdateSubscription(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	doJSON(t, srv, http.MethodPost, "/api/notifications/subscribe", token, subscriptionBody("user-1", "https://push.example/old"))

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/notifications/update-subscription", token, map[string]any{
		"oldSubscription": map[string]any{
			"endpoint": "https://push.example/old",
			"keys":     map[string]string{"p256dh": "BPoint", "auth": "c2VjcmV0"},
		},
		"newSubscription": map[string]any{
			"endpoint": "https://push.example/new",
			"keys":     map[string]string{"p256dh": "BNewPoint", "auth": "bmV3"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored PushSubscription
	require.NoError(t, h.db.First(&stored, "user_id = ?", "user-1").Error)
	assert.Equal(t, "https://push.example/new", stored.Endpoint)
	assert.Equal(t, "BNewPoint", stored.P256DH)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/notifications/update-subscription", token, map[string]any{
		"oldSubscription": map[string]any{"endpoint": "https://push.example/unknown"},
		"newSubscription": map[string]any{"endpoint": "https://push.example/x"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrackClose(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/notifications/track-close", token, map[string]any{
		"tag":       "ci",
		"timestamp": 1750000000000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry ClosedNotification
	require.NoError(t, h.db.First(&entry, "tag = ?", "ci").Error)
	assert.EqualValues(t, 1750000000000, entry.ClosedAt.UnixMilli())
}

func TestNotificationCenterDeliversLiveEvents(t *testing.T) {
	srv, h := newTestServer(t)
	token := h.IssueToken("user-1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.Center().ConnectionCount("user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Center().Publish("user-1", map[string]any{"title": "live"})

	var event struct {
		Type         string         `json:"type"`
		Notification map[string]any `json:"notification"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "notification", event.Type)
	assert.Equal(t, "live", event.Notification["title"])
}

func TestDevTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/auth/token", "", map[string]any{"user_id": "user-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	require.NotEmpty(t, data.Token)

	// The minted token authenticates against protected endpoints.
	resp, _ = doJSON(t, srv, http.MethodGet, "/api/notifications/stats", data.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
