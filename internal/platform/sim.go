package platform

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrPermissionNotGranted = errors.New("notification permission not granted")
	ErrSilentPushRefused    = errors.New("subscriptions must set UserVisibleOnly")
	ErrNoWorker             = errors.New("no worker registration")
	ErrNoSubscription       = errors.New("no active subscription")
)

// Sim is an in-memory browser and push service pair. It implements Platform
// and Clients, issues real ECDH subscription key material, and decrypts
// aes128gcm bodies POSTed to its push-service handler so that messages sent
// through an actual web push library arrive at the bound worker as plaintext
// push events.
type Sim struct {
	log *slog.Logger

	mu             sync.Mutex
	supported      bool
	permission     PermissionState
	promptResponse PermissionState
	pushServiceURL string
	origin         string
	registrations  int
	script         string
	reg            *simRegistration
	sink           EventSink
	pages          []*SimPage
	claimed        bool
}

func NewSim(log *slog.Logger) *Sim {
	return &Sim{
		log:            log,
		supported:      true,
		permission:     PermissionDefault,
		promptResponse: PermissionGranted,
		origin:         "https://portal.example",
	}
}

// SetSupported toggles push capability for the whole session.
func (s *Sim) SetSupported(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supported = v
}

// SetPermission forces the permission state, as if set from browser settings.
func (s *Sim) SetPermission(p PermissionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = p
}

// SetPromptResponse chooses how the user answers the permission prompt.
func (s *Sim) SetPromptResponse(p PermissionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptResponse = p
}

// SetPushServiceURL sets the base URL subscriptions point their endpoints at,
// typically an httptest server wrapping PushServiceHandler.
func (s *Sim) SetPushServiceURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushServiceURL = strings.TrimRight(u, "/")
}

// Origin is the page origin all sim clients share.
func (s *Sim) Origin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// BindWorker attaches the event sink that receives push, notification and
// subscription-change events.
func (s *Sim) BindWorker(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Sim) PushSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supported
}

func (s *Sim) Permission() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

func (s *Sim) RequestPermission(ctx context.Context) (PermissionState, error) {
	s.mu.Lock()
	if s.permission != PermissionDefault {
		p := s.permission
		s.mu.Unlock()
		return p, nil
	}
	response := s.promptResponse
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return PermissionDefault, ctx.Err()
	default:
	}

	s.mu.Lock()
	s.permission = response
	s.mu.Unlock()
	return response, nil
}

func (s *Sim) RegisterWorker(ctx context.Context, scriptPath string) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.supported {
		return nil, errors.New("push not supported")
	}
	s.registrations++
	s.script = scriptPath
	if s.reg == nil {
		s.reg = &simRegistration{sim: s, tray: make(map[string]*Notification)}
	}
	return s.reg, nil
}

// RegistrationCount reports how many RegisterWorker calls happened. Tests use
// it to assert that unsupported sessions never register.
func (s *Sim) RegistrationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations
}

// RegisteredScript returns the script path of the last registration.
func (s *Sim) RegisteredScript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

// Registration returns the worker registration for direct wiring in tests.
func (s *Sim) Registration() Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		s.reg = &simRegistration{sim: s, tray: make(map[string]*Notification)}
	}
	return s.reg
}

// PushServiceHandler accepts encrypted web push POSTs for subscriptions
// minted by this sim and forwards the decrypted payload to the bound worker.
// Dropped endpoints answer 410 Gone, matching push service behavior.
func (s *Sim) PushServiceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		reg := s.reg
		sink := s.sink
		s.mu.Unlock()

		var sub *simSubscription
		if reg != nil {
			reg.mu.Lock()
			if reg.sub != nil && strings.HasSuffix(reg.sub.record.Endpoint, r.URL.Path) {
				sub = reg.sub
			}
			reg.mu.Unlock()
		}

		if sub == nil {
			w.WriteHeader(http.StatusGone)
			return
		}

		plaintext, err := decryptAES128GCM(body, sub.priv, sub.authSecret)
		if err != nil {
			s.log.Error("push service: cannot decrypt message", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if sink != nil {
			if err := sink.Push(r.Context(), plaintext); err != nil {
				s.log.Error("push event handler failed", "error", err)
			}
		}
		w.WriteHeader(http.StatusCreated)
	})
}

// ExpireSubscription invalidates the current subscription, as a push service
// does on key rotation, and fires pushsubscriptionchange at the worker with
// the old subscription and its original subscribe options.
func (s *Sim) ExpireSubscription(ctx context.Context) error {
	s.mu.Lock()
	reg := s.reg
	sink := s.sink
	s.mu.Unlock()
	if reg == nil {
		return ErrNoWorker
	}

	reg.mu.Lock()
	old := reg.sub
	reg.sub = nil
	reg.mu.Unlock()
	if old == nil {
		return ErrNoSubscription
	}

	if sink == nil {
		return nil
	}
	record := old.record
	opts := old.opts
	return sink.SubscriptionChange(ctx, &record, opts)
}

// ClickNotification simulates the user pressing a notification or one of its
// action buttons. An empty action is a plain body click.
func (s *Sim) ClickNotification(ctx context.Context, tag, action string) error {
	s.mu.Lock()
	reg := s.reg
	sink := s.sink
	s.mu.Unlock()
	if reg == nil {
		return ErrNoWorker
	}
	n := reg.notification(tag)
	if n == nil {
		return fmt.Errorf("no notification with tag %q", tag)
	}
	if sink == nil {
		return ErrNoWorker
	}
	return sink.NotificationClick(ctx, n, action)
}

// DismissNotification simulates the user swiping a notification away.
func (s *Sim) DismissNotification(ctx context.Context, tag string) error {
	s.mu.Lock()
	reg := s.reg
	sink := s.sink
	s.mu.Unlock()
	if reg == nil {
		return ErrNoWorker
	}
	n := reg.notification(tag)
	if n == nil {
		return fmt.Errorf("no notification with tag %q", tag)
	}
	n.Close()
	if sink == nil {
		return nil
	}
	return sink.NotificationClose(ctx, n)
}

// PostWorkerMessage delivers a page-to-worker control message.
func (s *Sim) PostWorkerMessage(ctx context.Context, data map[string]any) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return ErrNoWorker
	}
	return sink.Message(ctx, data)
}

// OpenPage opens a page client, as if the user navigated to url.
func (s *Sim) OpenPage(url string) *SimPage {
	id, _ := gonanoid.New(16)
	page := &SimPage{id: id, url: url}
	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.mu.Unlock()
	return page
}

// ClosePage removes a page client.
func (s *Sim) ClosePage(page *SimPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pages {
		if p == page {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

func (s *Sim) MatchAll(ctx context.Context) ([]Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]Client, 0, len(s.pages))
	for _, p := range s.pages {
		clients = append(clients, p)
	}
	return clients, nil
}

func (s *Sim) OpenWindow(ctx context.Context, url string) (Client, error) {
	if !strings.Contains(url, "://") {
		url = s.Origin() + "/" + strings.TrimLeft(url, "/")
	}
	return s.OpenPage(url), nil
}

func (s *Sim) Claim(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = true
	return nil
}

// Claimed reports whether the worker claimed the open pages.
func (s *Sim) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

type simSubscription struct {
	record     Subscription
	priv       *ecdh.PrivateKey
	authSecret []byte
	opts       *SubscribeOptions
}

type simRegistration struct {
	sim *Sim

	mu    sync.Mutex
	sub   *simSubscription
	tray  map[string]*Notification
	shown []*Notification
}

func (r *simRegistration) Subscription(ctx context.Context) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil, nil
	}
	record := r.sub.record
	return &record, nil
}

func (r *simRegistration) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if r.sim.Permission() != PermissionGranted {
		return nil, ErrPermissionNotGranted
	}
	if !opts.UserVisibleOnly {
		return nil, ErrSilentPushRefused
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate subscription keys: %w", err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	id, err := gonanoid.New(22)
	if err != nil {
		return nil, err
	}

	r.sim.mu.Lock()
	base := r.sim.pushServiceURL
	r.sim.mu.Unlock()
	if base == "" {
		base = "https://push.example"
	}

	optsCopy := opts
	sub := &simSubscription{
		record: Subscription{
			Endpoint: base + "/push/" + id,
			Keys: Keys{
				P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
				Auth:   base64.RawURLEncoding.EncodeToString(authSecret),
			},
		},
		priv:       priv,
		authSecret: authSecret,
		opts:       &optsCopy,
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	record := sub.record
	return &record, nil
}

func (r *simRegistration) Unsubscribe(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return false, nil
	}
	r.sub = nil
	return true, nil
}

func (r *simRegistration) ShowNotification(ctx context.Context, title string, opts NotificationOptions) error {
	if title == "" {
		return errors.New("notification title must not be empty")
	}
	n := &Notification{Title: title, Options: opts}
	n.close = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.tray[opts.Tag] == n {
			delete(r.tray, opts.Tag)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Same tag replaces the previous notification in the tray.
	r.tray[opts.Tag] = n
	r.shown = append(r.shown, n)
	return nil
}

func (r *simRegistration) notification(tag string) *Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tray[tag]
}

// Shown returns every notification displayed so far, in order.
func (r *simRegistration) Shown() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Notification(nil), r.shown...)
}

// Shown exposes the display history of the sim's registration.
func (s *Sim) Shown() []*Notification {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Shown()
}

// TrayNotification returns the notification currently in the tray for tag.
func (s *Sim) TrayNotification(tag string) *Notification {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.notification(tag)
}

// SimPage is one open page. It records messages and focus calls.
type SimPage struct {
	mu       sync.Mutex
	id       string
	url      string
	focused  bool
	messages []any
}

func (p *SimPage) ID() string { return p.id }

func (p *SimPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *SimPage) Focus(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focused = true
	return nil
}

func (p *SimPage) PostMessage(msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Focused reports whether the page was focused by the worker.
func (p *SimPage) Focused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

// Messages returns the messages posted to this page.
func (p *SimPage) Messages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.messages...)
}
