package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"portalpush/internal/backend"
	"portalpush/internal/notify"
	"portalpush/internal/platform"
)

// Config assembles a push worker.
type Config struct {
	Registration platform.Registration
	Clients      platform.Clients
	Backend      *backend.Client
	// Policy decides what a notification click does. Defaults to the
	// postMessage policy when nil.
	Policy   notify.Policy
	Renderer *notify.Renderer
	Log      *slog.Logger
}

// PushWorker wires the runtime's events to the render and dispatch policies
// and the backend callbacks. This is the Go rendition of the worker script.
type PushWorker struct {
	rt       *Runtime
	reg      platform.Registration
	clients  platform.Clients
	backend  *backend.Client
	policy   notify.Policy
	renderer *notify.Renderer
	log      *slog.Logger
}

func New(cfg Config) *PushWorker {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	w := &PushWorker{
		reg:      cfg.Registration,
		clients:  cfg.Clients,
		backend:  cfg.Backend,
		policy:   cfg.Policy,
		renderer: cfg.Renderer,
		log:      log,
	}
	if w.policy == nil {
		w.policy = &notify.PostMessagePolicy{Log: log}
	}
	if w.renderer == nil {
		w.renderer = notify.NewRenderer(notify.DefaultSpec(), log)
	}

	w.rt = NewRuntime(Handlers{
		Install:            w.onInstall,
		Activate:           w.onActivate,
		Push:               w.onPush,
		NotificationClick:  w.onNotificationClick,
		NotificationClose:  w.onNotificationClose,
		SubscriptionChange: w.onSubscriptionChange,
		Message:            w.onMessage,
	}, log)
	return w
}

// Runtime exposes the underlying runtime; it is the platform's event sink.
func (w *PushWorker) Runtime() *Runtime { return w.rt }

// Start runs the install/activate lifecycle.
func (w *PushWorker) Start(ctx context.Context) error {
	return w.rt.Start(ctx)
}

// onInstall does no asset pre-caching; its only job is to take over from
// older worker versions without waiting for them to wind down.
func (w *PushWorker) onInstall(ctx context.Context, ev *InstallEvent) {
	w.rt.SkipWaiting()
}

// onActivate claims all open pages so they are controlled without a reload.
func (w *PushWorker) onActivate(ctx context.Context, ev *ActivateEvent) {
	ev.WaitUntil(ctx, func(c context.Context) error {
		return w.clients.Claim(c)
	})
}

// onPush normalizes the payload and displays it. Display is tied to the
// event lifetime: the push is not acknowledged until the notification is up.
func (w *PushWorker) onPush(ctx context.Context, ev *PushEvent) {
	spec := w.renderer.Render(ev.Data)
	title, opts := spec.Options()
	ev.WaitUntil(ctx, func(c context.Context) error {
		if err := w.reg.ShowNotification(c, title, opts); err != nil {
			return fmt.Errorf("show notification: %w", err)
		}
		return nil
	})
}

// onNotificationClick closes the notification unconditionally, then hands
// the interaction to the dispatch policy.
func (w *PushWorker) onNotificationClick(ctx context.Context, ev *NotificationClickEvent) {
	ev.Notification.Close()
	ev.WaitUntil(ctx, func(c context.Context) error {
		return w.policy.HandleClick(c, w.clients, ev.Notification, ev.Action)
	})
}

// onNotificationClose posts close telemetry when the payload asked for it.
// Transport failure is swallowed; there is nothing user-visible to save.
func (w *PushWorker) onNotificationClose(ctx context.Context, ev *NotificationCloseEvent) {
	data := ev.Notification.Options.Data
	if track, _ := data["trackClose"].(bool); !track {
		return
	}
	tag := ev.Notification.Options.Tag
	ev.WaitUntil(ctx, func(c context.Context) error {
		if err := w.backend.TrackClose(c, tag, time.Now()); err != nil {
			w.log.Warn("close tracking failed", "tag", tag, "error", err)
		}
		return nil
	})
}

// onSubscriptionChange replaces an invalidated subscription before the event
// settles; otherwise the user silently stops receiving notifications. The
// old subscription's application server key is reused when the platform
// still has it.
func (w *PushWorker) onSubscriptionChange(ctx context.Context, ev *SubscriptionChangeEvent) {
	ev.WaitUntil(ctx, func(c context.Context) error {
		opts := platform.SubscribeOptions{UserVisibleOnly: true}
		if ev.OldOptions != nil {
			opts.ApplicationServerKey = ev.OldOptions.ApplicationServerKey
		}
		renewed, err := w.reg.Subscribe(c, opts)
		if err != nil {
			return fmt.Errorf("resubscribe after invalidation: %w", err)
		}
		if err := w.backend.UpdateSubscription(c, ev.OldSubscription, renewed); err != nil {
			return fmt.Errorf("report renewed subscription: %w", err)
		}
		return nil
	})
}

// onMessage handles page control messages; only SKIP_WAITING is recognized.
func (w *PushWorker) onMessage(ctx context.Context, ev *MessageEvent) {
	if t, _ := ev.Data["type"].(string); t == "SKIP_WAITING" {
		w.rt.SkipWaiting()
	}
}
