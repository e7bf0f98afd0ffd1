// Package manager owns the page-side push subscription lifecycle: worker
// registration, permission, VAPID key handling and backend synchronization.
package manager

import (
	"context"
	"log/slog"
	"sync"

	"portalpush/internal/backend"
	"portalpush/internal/keycodec"
	"portalpush/internal/platform"
)

// DefaultWorkerScript is the well-known worker script path. Both the page
// registration call and asset emission consume this one constant.
const DefaultWorkerScript = "/service-worker.js"

// State is the manager's session state.
type State int

const (
	StateUninitialized State = iota
	// StateUnsupported is terminal: the platform lacks push capability and
	// no further call will succeed this session.
	StateUnsupported
	StateReady
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateUnsupported:
		return "unsupported"
	case StateReady:
		return "ready"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Config assembles a Manager. The manager is an explicit instance owned by
// the caller, not a package-level singleton, so tests can construct isolated
// ones.
type Config struct {
	Platform     platform.Platform
	Backend      *backend.Client
	WorkerScript string
	Log          *slog.Logger
}

type Manager struct {
	log          *slog.Logger
	platform     platform.Platform
	backend      *backend.Client
	workerScript string

	mu       sync.Mutex
	state    State
	reg      platform.Registration
	vapidKey string
}

func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	script := cfg.WorkerScript
	if script == "" {
		script = DefaultWorkerScript
	}
	return &Manager{
		log:          log,
		platform:     cfg.Platform,
		backend:      cfg.Backend,
		workerScript: script,
		state:        StateUninitialized,
	}
}

// Initialize probes capability, registers the worker, restores the
// subscribed flag from an existing subscription and pre-fetches the VAPID
// key. It returns false when the platform has no push support (terminal) or
// when worker registration fails (retryable). A failed key pre-fetch does
// not fail initialization; it surfaces later in Subscribe.
func (m *Manager) Initialize(ctx context.Context) bool {
	if !m.platform.PushSupported() {
		m.log.Warn("push notifications not supported on this platform")
		m.setState(StateUnsupported)
		return false
	}

	reg, err := m.platform.RegisterWorker(ctx, m.workerScript)
	if err != nil {
		m.log.Error("worker registration failed", "script", m.workerScript, "error", err)
		return false
	}

	state := StateReady
	sub, err := reg.Subscription(ctx)
	if err != nil {
		m.log.Warn("cannot probe existing subscription", "error", err)
	} else if sub != nil {
		state = StateSubscribed
	}

	m.mu.Lock()
	m.reg = reg
	m.state = state
	m.mu.Unlock()

	if _, err := m.VAPIDKey(ctx); err != nil {
		m.log.Warn("vapid key pre-fetch failed", "error", err)
	}
	return true
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribed reports whether the manager believes a subscription is active.
func (m *Manager) Subscribed() bool {
	return m.State() == StateSubscribed
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// PermissionStatus reads the current permission tri-state without side
// effects.
func (m *Manager) PermissionStatus() platform.PermissionState {
	return m.platform.Permission()
}

// RequestPermission triggers the permission prompt and blocks until the user
// responds. It has no timeout of its own and propagates faults: there is no
// sane boolean fallback for an unanswerable prompt.
func (m *Manager) RequestPermission(ctx context.Context) (platform.PermissionState, error) {
	return m.platform.RequestPermission(ctx)
}

// VAPIDKey returns the backend's public VAPID key, fetched once per manager
// lifetime and cached as a string. Rotation on the server leaves the cache
// stale until a new manager (page session) is built.
func (m *Manager) VAPIDKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.vapidKey != "" {
		key := m.vapidKey
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	key, err := m.backend.VAPIDKey(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.vapidKey = key
	m.mu.Unlock()
	return key, nil
}

// Subscribe creates a push subscription for userID and reports it to the
// backend. It returns false on any failure, after logging; no durable side
// effect is guaranteed then and the caller may retry. Calling it again while
// already subscribed re-subscribes; the duplicate backend POST is accepted.
func (m *Manager) Subscribe(ctx context.Context, userID string) bool {
	m.mu.Lock()
	reg := m.reg
	state := m.state
	m.mu.Unlock()
	if reg == nil || (state != StateReady && state != StateSubscribed) {
		m.log.Error("subscribe called in invalid state", "state", state.String())
		return false
	}

	key, err := m.VAPIDKey(ctx)
	if err != nil {
		m.log.Error("cannot fetch vapid key", "error", err)
		return false
	}
	rawKey, err := keycodec.Decode(key)
	if err != nil {
		// Not transient: the server handed out a malformed key.
		m.log.Error("vapid key is not valid base64url", "error", err)
		return false
	}

	sub, err := reg.Subscribe(ctx, platform.SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: rawKey,
	})
	if err != nil {
		m.log.Error("platform subscription failed", "error", err)
		return false
	}

	if err := m.backend.Subscribe(ctx, userID, sub); err != nil {
		m.log.Error("backend subscribe failed", "user_id", userID, "error", err)
		return false
	}

	m.setState(StateSubscribed)
	m.log.Info("push subscription active", "user_id", userID)
	return true
}

// Unsubscribe revokes the platform subscription (when one exists) and
// deletes the backend registration. The two steps are attempted
// independently: a backend outage does not block local revocation and vice
// versa. Local state ends up unsubscribed regardless, trading consistency
// for a UI that cannot get stuck. Returns false when there was nothing to
// revoke or when either step failed.
func (m *Manager) Unsubscribe(ctx context.Context, userID string) bool {
	m.mu.Lock()
	reg := m.reg
	state := m.state
	m.mu.Unlock()
	if reg == nil || (state != StateReady && state != StateSubscribed) {
		m.log.Error("unsubscribe called in invalid state", "state", state.String())
		return false
	}

	hadSubscription := false
	revoked := true
	sub, err := reg.Subscription(ctx)
	if err != nil {
		m.log.Warn("cannot look up subscription", "error", err)
	}
	if sub != nil {
		hadSubscription = true
		if _, err := reg.Unsubscribe(ctx); err != nil {
			m.log.Error("platform unsubscribe failed", "error", err)
			revoked = false
		}
	}

	deleted := true
	if err := m.backend.Unsubscribe(ctx, userID); err != nil {
		m.log.Error("backend unsubscribe failed", "user_id", userID, "error", err)
		deleted = false
	}

	m.setState(StateReady)
	return hadSubscription && revoked && deleted
}

// SendNotification is a thin proxy to the backend send endpoint. Transport
// failure degrades to false.
func (m *Manager) SendNotification(ctx context.Context, req backend.SendRequest) bool {
	if err := m.backend.Send(ctx, req); err != nil {
		m.log.Error("send notification failed", "user_id", req.UserID, "error", err)
		return false
	}
	return true
}

// SendBulkNotification proxies the bulk endpoint. A transport failure
// returns a nil result and the error; callers can distinguish "unknown"
// from a genuine all-zero outcome.
func (m *Manager) SendBulkNotification(ctx context.Context, req backend.BulkRequest) (*backend.BulkResult, error) {
	return m.backend.SendBulk(ctx, req)
}

// GetStats proxies the stats endpoint with the same error surface as
// SendBulkNotification.
func (m *Manager) GetStats(ctx context.Context) (*backend.Stats, error) {
	return m.backend.GetStats(ctx)
}
