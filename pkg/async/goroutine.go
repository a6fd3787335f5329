package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// Go runs fn in a goroutine with panic recovery. A panic is logged with its stack and
// reported as an error. The returned channel receives fn's result once and is closed.
//
// Example:
//
//	done := async.Go(ctx, logger, "catalog watcher", func(ctx context.Context) error {
//	    return catalog.Watch(ctx, path, 0, logger, apply)
//	})
func Go(ctx context.Context, logger *logrus.Logger, name string, fn func(context.Context) error) <-chan error {
	logger = observability.OrDefault(logger)
	done := make(chan error, 1)

	go func() {
		defer close(done)
		done <- run(ctx, logger, name, fn)
	}()

	return done
}

// GoWithTimeout is like Go but cancels fn's context after timeout
func GoWithTimeout(ctx context.Context, logger *logrus.Logger, name string, timeout time.Duration, fn func(context.Context) error) <-chan error {
	return Go(ctx, logger, name, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	})
}

func run(ctx context.Context, logger *logrus.Logger, name string, fn func(context.Context) error) (err error) {
	log := logger.WithField("task", name)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic in background task")
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()

	if err := fn(ctx); err != nil {
		log.WithError(err).Error("Background task failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
