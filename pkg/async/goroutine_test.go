package async

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}

	done := SafeGo(context.Background(), observability.NewNopLogger(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	waitDone(t, done)

	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
}

func TestSafeGo_WithError(t *testing.T) {
	done := SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		return errors.New("test error")
	})
	waitDone(t, done)
}

func TestSafeGo_Timeout(t *testing.T) {
	var sawDeadline atomic.Bool

	done := SafeGo(context.Background(), nil, 50*time.Millisecond, "test task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
			return ctx.Err()
		}
	})
	waitDone(t, done)

	if !sawDeadline.Load() {
		t.Error("Expected the task context to hit its deadline")
	}
}

func TestSafeGo_NoTimeoutRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := SafeGoNoError(ctx, nil, 0, "loop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Error("context should stay open until the parent is cancelled")
		}
	})

	select {
	case <-done:
		t.Fatal("task returned before cancel")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	waitDone(t, done)
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	done := SafeGo(context.Background(), nil, time.Second, "panicky", func(ctx context.Context) error {
		panic("test panic")
	})
	waitDone(t, done)
}

func TestSafeGo_DetachedFromCancelledParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	var ctxErr atomic.Value
	done := SafeGoNoError(context.WithoutCancel(parent), nil, time.Second, "detached", func(ctx context.Context) {
		ctxErr.Store(fmt.Sprint(ctx.Err()))
	})
	waitDone(t, done)

	if got := ctxErr.Load(); got != "<nil>" {
		t.Errorf("Expected live context, got err %v", got)
	}
}

func TestBatch(t *testing.T) {
	t.Run("collects every error", func(t *testing.T) {
		items := []int{1, 2, 3, 4, 5, 6}
		var processed atomic.Int32

		errs := Batch(context.Background(), items, 2, "test batch", time.Second, func(ctx context.Context, n int) error {
			processed.Add(1)
			if n%2 == 0 {
				return fmt.Errorf("even %d", n)
			}
			return nil
		})

		if processed.Load() != 6 {
			t.Errorf("Expected 6 processed, got %d", processed.Load())
		}
		if len(errs) != 3 {
			t.Errorf("Expected 3 errors, got %d", len(errs))
		}
	})

	t.Run("converts panics to errors", func(t *testing.T) {
		errs := Batch(context.Background(), []string{"a"}, 0, "panics", time.Second, func(ctx context.Context, s string) error {
			panic("boom")
		})
		if len(errs) != 1 || errs[0].Error() != "panic: boom" {
			t.Errorf("Expected single panic error, got %v", errs)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if errs := Batch(context.Background(), []int{}, 4, "empty", time.Second, func(ctx context.Context, n int) error {
			return errors.New("never")
		}); len(errs) != 0 {
			t.Errorf("Expected no errors, got %v", errs)
		}
	})
}
