// Package async runs background tasks with panic recovery and logrus logging.
//
// Go starts a task and returns a channel that yields its result, so callers can
// select on a task finishing alongside other events:
//
//	serverDone := async.Go(ctx, logger, "http server", func(ctx context.Context) error {
//		return server.ListenAndServe()
//	})
//	select {
//	case err := <-serverDone:
//		...
//	case <-ctx.Done():
//		...
//	}
package async
