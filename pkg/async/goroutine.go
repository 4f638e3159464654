package async

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, a timeout and error
// logging. A timeout <= 0 runs fn until parentCtx is done. The returned
// channel is closed once fn has returned.
//
// Work that must outlive the request (post-commit pushes, best-effort
// cleanups) should pass context.WithoutCancel(r.Context()).
//
//	async.SafeGo(ctx, logger, 5*time.Second, "realtime push", func(ctx context.Context) error {
//	    return gateway.Broadcast(ctx, msg)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		} else {
			ctx, cancel = context.WithCancel(parentCtx)
		}
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()

	return done
}

// SafeGoNoError is like SafeGo for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context)) <-chan struct{} {
	return SafeGo(parentCtx, logger, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Batch runs fn over items with at most workers concurrent calls, each bounded
// by timeout. Unlike errgroup.Wait it keeps going after failures and returns
// every error encountered, in no particular order.
//
//	errs := async.Batch(ctx, keys, 4, "image cleanup", 10*time.Second, store.Delete)
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = observability.MustRecover(r)
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(taskCtx, item)
		})
	}

	_ = g.Wait()
	return errs
}
