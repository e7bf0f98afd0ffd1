// Package worker is the background worker runtime: an event-driven context,
// independent of any open page, that receives push events and owns how they
// are displayed and dispatched.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"portalpush/internal/platform"
)

// State is the worker lifecycle phase.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// DefaultExtensionCeiling bounds how long extended event work may run before
// the platform is assumed to tear the worker down.
const DefaultExtensionCeiling = 30 * time.Second

// ExtendableEvent carries the event lifetime extension mechanism. Handlers
// register asynchronous work with WaitUntil; the runtime keeps the event
// alive until all registered work settles or the platform ceiling passes.
// Work past the ceiling may simply not execute.
type ExtendableEvent struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
}

// WaitUntil ties fn's completion to the event's lifetime. fn runs
// immediately on its own goroutine with a context bounded by the ceiling.
func (e *ExtendableEvent) WaitUntil(ctx context.Context, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// settle blocks until all extended work finished or ctx expired.
func (e *ExtendableEvent) settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return errors.Join(e.errs...)
	case <-ctx.Done():
		return fmt.Errorf("event lifetime ceiling reached: %w", ctx.Err())
	}
}

type InstallEvent struct {
	ExtendableEvent
}

type ActivateEvent struct {
	ExtendableEvent
}

type PushEvent struct {
	ExtendableEvent
	Data []byte
}

type NotificationClickEvent struct {
	ExtendableEvent
	Notification *platform.Notification
	// Action is the pressed button's identifier, empty for a body click.
	Action string
}

type NotificationCloseEvent struct {
	ExtendableEvent
	Notification *platform.Notification
}

type SubscriptionChangeEvent struct {
	ExtendableEvent
	OldSubscription *platform.Subscription
	// OldOptions holds the subscribe options of the invalidated
	// subscription. Nil when the platform never tracked them.
	OldOptions *platform.SubscribeOptions
}

type MessageEvent struct {
	ExtendableEvent
	Data map[string]any
}

// Handlers are the worker's event handlers. A nil handler ignores the event.
// Handlers run synchronously; asynchronous work must go through the event's
// WaitUntil or it is not guaranteed to complete.
type Handlers struct {
	Install            func(ctx context.Context, ev *InstallEvent)
	Activate           func(ctx context.Context, ev *ActivateEvent)
	Push               func(ctx context.Context, ev *PushEvent)
	NotificationClick  func(ctx context.Context, ev *NotificationClickEvent)
	NotificationClose  func(ctx context.Context, ev *NotificationCloseEvent)
	SubscriptionChange func(ctx context.Context, ev *SubscriptionChangeEvent)
	Message            func(ctx context.Context, ev *MessageEvent)
}

var ErrNotActive = errors.New("worker is not active")

// Runtime drives the worker lifecycle and dispatches platform events into
// the registered handlers. It implements platform.EventSink. There is no
// shared mutable state across events and no mutual exclusion between event
// kinds.
type Runtime struct {
	log      *slog.Logger
	handlers Handlers
	ceiling  time.Duration

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func NewRuntime(handlers Handlers, log *slog.Logger) *Runtime {
	return &Runtime{
		log:      log,
		handlers: handlers,
		ceiling:  DefaultExtensionCeiling,
		state:    StateInstalling,
	}
}

// Start runs install and activate. Install requests immediate activation
// rather than waiting for older instances, so activation follows directly.
func (r *Runtime) Start(ctx context.Context) error {
	install := &InstallEvent{}
	if r.handlers.Install != nil {
		if err := r.run(ctx, &install.ExtendableEvent, func(c context.Context) {
			r.handlers.Install(c, install)
		}); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}
	r.setState(StateInstalled)

	activate := &ActivateEvent{}
	if r.handlers.Activate != nil {
		if err := r.run(ctx, &activate.ExtendableEvent, func(c context.Context) {
			r.handlers.Activate(c, activate)
		}); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	r.setState(StateActive)
	r.log.Info("worker active")
	return nil
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// SkipWaiting asks the platform to activate this worker version immediately.
func (r *Runtime) SkipWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipWaiting = true
}

// SkipWaitingRequested reports whether immediate activation was requested.
func (r *Runtime) SkipWaitingRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipWaiting
}

// run executes a handler and keeps the event alive until extensions settle
// or the ceiling passes.
func (r *Runtime) run(ctx context.Context, ev *ExtendableEvent, invoke func(context.Context)) error {
	cctx, cancel := context.WithTimeout(ctx, r.ceiling)
	defer cancel()
	invoke(cctx)
	return ev.settle(cctx)
}

func (r *Runtime) Push(ctx context.Context, data []byte) error {
	if r.State() != StateActive {
		return ErrNotActive
	}
	if r.handlers.Push == nil {
		return nil
	}
	ev := &PushEvent{Data: data}
	if err := r.run(ctx, &ev.ExtendableEvent, func(c context.Context) {
		r.handlers.Push(c, ev)
	}); err != nil {
		r.log.Error("push event failed", "error", err)
		return err
	}
	return nil
}

func (r *Runtime) NotificationClick(ctx context.Context, n *platform.Notification, action string) error {
	if r.State() != StateActive {
		return ErrNotActive
	}
	if r.handlers.NotificationClick == nil {
		return nil
	}
	ev := &NotificationClickEvent{Notification: n, Action: action}
	if err := r.run(ctx, &ev.ExtendableEvent, func(c context.Context) {
		r.handlers.NotificationClick(c, ev)
	}); err != nil {
		r.log.Error("notificationclick event failed", "error", err)
		return err
	}
	return nil
}

func (r *Runtime) NotificationClose(ctx context.Context, n *platform.Notification) error {
	if r.State() != StateActive {
		return ErrNotActive
	}
	if r.handlers.NotificationClose == nil {
		return nil
	}
	ev := &NotificationCloseEvent{Notification: n}
	if err := r.run(ctx, &ev.ExtendableEvent, func(c context.Context) {
		r.handlers.NotificationClose(c, ev)
	}); err != nil {
		r.log.Error("notificationclose event failed", "error", err)
		return err
	}
	return nil
}

func (r *Runtime) SubscriptionChange(ctx context.Context, old *platform.Subscription, oldOpts *platform.SubscribeOptions) error {
	if r.State() != StateActive {
		return ErrNotActive
	}
	if r.handlers.SubscriptionChange == nil {
		return nil
	}
	ev := &SubscriptionChangeEvent{OldSubscription: old, OldOptions: oldOpts}
	if err := r.run(ctx, &ev.ExtendableEvent, func(c context.Context) {
		r.handlers.SubscriptionChange(c, ev)
	}); err != nil {
		r.log.Error("pushsubscriptionchange event failed", "error", err)
		return err
	}
	return nil
}

func (r *Runtime) Message(ctx context.Context, data map[string]any) error {
	if r.handlers.Message == nil {
		return nil
	}
	ev := &MessageEvent{Data: data}
	return r.run(ctx, &ev.ExtendableEvent, func(c context.Context) {
		r.handlers.Message(c, ev)
	})
}
