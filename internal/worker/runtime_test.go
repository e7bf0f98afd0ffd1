package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartRunsLifecycle(t *testing.T) {
	var installs, activates atomic.Int32
	rt := NewRuntime(Handlers{
		Install: func(ctx context.Context, ev *InstallEvent) {
			installs.Add(1)
		},
		Activate: func(ctx context.Context, ev *ActivateEvent) {
			activates.Add(1)
		},
	}, testLogger())

	if got := rt.State(); got != StateInstalling {
		t.Fatalf("expected installing before Start, got %s", got)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if installs.Load() != 1 || activates.Load() != 1 {
		t.Fatalf("lifecycle handlers ran %d/%d times", installs.Load(), activates.Load())
	}
	if got := rt.State(); got != StateActive {
		t.Fatalf("expected active after Start, got %s", got)
	}
}

func TestEventsGatedOnActive(t *testing.T) {
	rt := NewRuntime(Handlers{
		Push: func(ctx context.Context, ev *PushEvent) {},
	}, testLogger())

	if err := rt.Push(context.Background(), nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive before Start, got %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Push(context.Background(), nil); err != nil {
		t.Fatalf("Push after Start: %v", err)
	}
}

func TestWaitUntilExtendsEventLifetime(t *testing.T) {
	done := make(chan struct{})
	rt := NewRuntime(Handlers{
		Push: func(ctx context.Context, ev *PushEvent) {
			ev.WaitUntil(ctx, func(c context.Context) error {
				time.Sleep(20 * time.Millisecond)
				close(done)
				return nil
			})
		},
	}, testLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := rt.Push(context.Background(), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("event settled before extended work finished")
	}
}

func TestWaitUntilErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	rt := NewRuntime(Handlers{
		Push: func(ctx context.Context, ev *PushEvent) {
			ev.WaitUntil(ctx, func(c context.Context) error { return boom })
		},
	}, testLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := rt.Push(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("expected extension error to surface, got %v", err)
	}
}

func TestSettleCeiling(t *testing.T) {
	ev := &ExtendableEvent{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	ev.WaitUntil(ctx, func(c context.Context) error {
		<-release
		return nil
	})
	err := ev.settle(ctx)
	close(release)
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ceiling error, got %v", err)
	}
}

func TestSkipWaiting(t *testing.T) {
	rt := NewRuntime(Handlers{}, testLogger())
	if rt.SkipWaitingRequested() {
		t.Fatal("skip waiting must start unset")
	}
	rt.SkipWaiting()
	if !rt.SkipWaitingRequested() {
		t.Fatal("skip waiting not recorded")
	}
}

func TestMessageNotGated(t *testing.T) {
	var got atomic.Int32
	rt := NewRuntime(Handlers{
		Message: func(ctx context.Context, ev *MessageEvent) {
			got.Add(1)
		},
	}, testLogger())

	// Messages arrive even before activation, e.g. SKIP_WAITING from a page.
	if err := rt.Message(context.Background(), map[string]any{"type": "SKIP_WAITING"}); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Load() != 1 {
		t.Fatal("message handler did not run")
	}
}
