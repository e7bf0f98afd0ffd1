// Package platform models the browser-side push capabilities the rest of the
// system programs against: permission state, worker registration, push
// subscriptions, displayed notifications and open page clients. A simulated
// implementation lives in this package; the interfaces keep the manager and
// worker code independent of it.
package platform

import "context"

// PermissionState is the notification permission tri-state. It is a value,
// not an error: a denied permission is a state callers branch on.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Keys is the encryption material of a push subscription, base64url-encoded.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription identifies one browser instance's willingness to receive push
// messages. The endpoint is assigned by the push service and opaque here.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// SubscribeOptions mirrors the options of the platform subscribe call.
// UserVisibleOnly must be set: every push has to surface a notification.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// NotificationAction is one labeled button on a displayed notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationOptions is everything besides the title handed to the platform
// display call.
type NotificationOptions struct {
	Body               string
	Icon               string
	Badge              string
	Image              string
	Tag                string
	Data               map[string]any
	Actions            []NotificationAction
	RequireInteraction bool
}

// Notification is a notification currently (or previously) shown in the
// platform tray. Close removes it from the tray; closing twice is a no-op.
type Notification struct {
	Title   string
	Options NotificationOptions

	close func()
}

func (n *Notification) Close() {
	if n.close != nil {
		n.close()
	}
}

// Platform is the page-side capability surface.
type Platform interface {
	// PushSupported reports whether the worker and push APIs exist at all.
	PushSupported() bool
	// RegisterWorker registers the background worker script and returns its
	// registration.
	RegisterWorker(ctx context.Context, scriptPath string) (Registration, error)
	// Permission reads the current permission state without side effects.
	Permission() PermissionState
	// RequestPermission triggers the permission prompt and blocks until the
	// user responds or ctx is done. There is no timeout of its own.
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// Registration is a live worker registration, the owner of the push
// subscription and the notification tray.
type Registration interface {
	// Subscription returns the current push subscription, or nil if none.
	Subscription(ctx context.Context) (*Subscription, error)
	// Subscribe creates a push subscription bound to the application server
	// key in opts.
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	// Unsubscribe revokes the current subscription. Returns false if there
	// was nothing to revoke.
	Unsubscribe(ctx context.Context) (bool, error)
	// ShowNotification displays a notification. A notification with the same
	// tag replaces the previous one in the tray.
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
}

// Client is one open page under this origin.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(msg any) error
}

// Clients enumerates and creates page clients, the worker-side view of open
// pages.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
	// Claim takes control of all open pages without waiting for navigation.
	Claim(ctx context.Context) error
}

// EventSink receives platform-dispatched worker events. The worker runtime
// implements it; the simulated platform calls into it.
type EventSink interface {
	Push(ctx context.Context, data []byte) error
	NotificationClick(ctx context.Context, n *Notification, action string) error
	NotificationClose(ctx context.Context, n *Notification) error
	// SubscriptionChange reports that the platform invalidated the current
	// subscription. oldOpts carries the application server key the old
	// subscription was created with, and may be nil for subscriptions that
	// never tracked it.
	SubscriptionChange(ctx context.Context, old *Subscription, oldOpts *SubscribeOptions) error
	Message(ctx context.Context, data map[string]any) error
}
