package platform

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSink captures every event the sim dispatches.
type recordSink struct {
	mu       sync.Mutex
	pushes   [][]byte
	clicks   []string
	closes   []string
	changes  []*Subscription
	messages []map[string]any
}

func (r *recordSink) Push(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, append([]byte(nil), data...))
	return nil
}

func (r *recordSink) NotificationClick(ctx context.Context, n *Notification, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clicks = append(r.clicks, action)
	return nil
}

func (r *recordSink) NotificationClose(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, n.Options.Tag)
	return nil
}

func (r *recordSink) SubscriptionChange(ctx context.Context, old *Subscription, oldOpts *SubscribeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, old)
	return nil
}

func (r *recordSink) Message(ctx context.Context, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, data)
	return nil
}

func (r *recordSink) pushed() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.pushes...)
}

func TestSubscribeRequiresPermission(t *testing.T) {
	sim := NewSim(testLogger())
	reg, err := sim.RegisterWorker(context.Background(), "/service-worker.js")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	if _, err := reg.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true}); err != ErrPermissionNotGranted {
		t.Fatalf("expected ErrPermissionNotGranted, got %v", err)
	}

	sim.SetPermission(PermissionGranted)
	if _, err := reg.Subscribe(context.Background(), SubscribeOptions{}); err != ErrSilentPushRefused {
		t.Fatalf("expected ErrSilentPushRefused, got %v", err)
	}

	sub, err := reg.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Endpoint == "" {
		t.Fatal("subscription has no endpoint")
	}
	if raw, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh); err != nil || len(raw) != 65 {
		t.Fatalf("p256dh is not a 65-byte base64url point: len=%d err=%v", len(raw), err)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth); err != nil || len(raw) != 16 {
		t.Fatalf("auth is not a 16-byte base64url secret: len=%d err=%v", len(raw), err)
	}
}

// TestPushRoundTrip sends a message through the real web push library and
// checks the sim's push service decrypts it back to the original plaintext
// for the bound worker.
func TestPushRoundTrip(t *testing.T) {
	sim := NewSim(testLogger())
	sim.SetPermission(PermissionGranted)

	srv := httptest.NewServer(sim.PushServiceHandler())
	defer srv.Close()
	sim.SetPushServiceURL(srv.URL)

	sink := &recordSink{}
	sim.BindWorker(sink)

	reg, err := sim.RegisterWorker(context.Background(), "/service-worker.js")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	sub, err := reg.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}

	payload := []byte(`{"title":"Build finished","message":"pipeline #42 is green"}`)
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		Subscriber:      "mailto:dev@portal.example",
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		TTL:             30,
	})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("push service answered %d", resp.StatusCode)
	}

	pushes := sink.pushed()
	if len(pushes) != 1 {
		t.Fatalf("expected one push event, got %d", len(pushes))
	}
	if string(pushes[0]) != string(payload) {
		t.Fatalf("decrypted payload mismatch:\n got  %q\n want %q", pushes[0], payload)
	}
}

func TestPushToExpiredEndpointAnswersGone(t *testing.T) {
	sim := NewSim(testLogger())
	sim.SetPermission(PermissionGranted)

	srv := httptest.NewServer(sim.PushServiceHandler())
	defer srv.Close()
	sim.SetPushServiceURL(srv.URL)

	sink := &recordSink{}
	sim.BindWorker(sink)

	reg, err := sim.RegisterWorker(context.Background(), "/service-worker.js")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	sub, err := reg.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sim.ExpireSubscription(context.Background()); err != nil {
		t.Fatalf("ExpireSubscription: %v", err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	resp, err := webpush.SendNotification([]byte(`{}`), &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		Subscriber:      "mailto:dev@portal.example",
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		TTL:             30,
	})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 410 {
		t.Fatalf("expected 410 Gone for dropped endpoint, got %d", resp.StatusCode)
	}
	if len(sink.pushed()) != 0 {
		t.Fatal("expired endpoint must not deliver push events")
	}

	if len(sink.changes) != 1 {
		t.Fatalf("expected one subscriptionchange event, got %d", len(sink.changes))
	}
	if sink.changes[0].Endpoint != sub.Endpoint {
		t.Fatal("subscriptionchange carries the wrong old subscription")
	}
}

func TestNotificationTagReplacement(t *testing.T) {
	sim := NewSim(testLogger())
	sim.SetPermission(PermissionGranted)
	reg, err := sim.RegisterWorker(context.Background(), "/service-worker.js")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	ctx := context.Background()
	if err := reg.ShowNotification(ctx, "first", NotificationOptions{Tag: "build"}); err != nil {
		t.Fatalf("ShowNotification: %v", err)
	}
	if err := reg.ShowNotification(ctx, "second", NotificationOptions{Tag: "build"}); err != nil {
		t.Fatalf("ShowNotification: %v", err)
	}

	n := sim.TrayNotification("build")
	if n == nil || n.Title != "second" {
		t.Fatalf("expected tag to replace tray entry, got %+v", n)
	}
	if got := len(sim.Shown()); got != 2 {
		t.Fatalf("expected both notifications in history, got %d", got)
	}

	n.Close()
	if sim.TrayNotification("build") != nil {
		t.Fatal("closed notification still in tray")
	}
}

func TestOpenWindowResolvesRelativeURL(t *testing.T) {
	sim := NewSim(testLogger())
	page, err := sim.OpenWindow(context.Background(), "/inbox")
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	want := sim.Origin() + "/inbox"
	if page.URL() != want {
		t.Fatalf("expected %q, got %q", want, page.URL())
	}

	clients, err := sim.MatchAll(context.Background())
	if err != nil {
		t.Fatalf("MatchAll: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected one open page, got %d", len(clients))
	}
}
