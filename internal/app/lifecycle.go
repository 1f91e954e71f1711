package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Start runs the remainder of the boot sequence: start the consumer
// (which first replays events left in processing by a prior crash), start
// the maintenance scheduler, and start HTTP intake. It blocks until the
// HTTP server stops (on Shutdown or a listener error).
func (a *App) Start(ctx context.Context) error {
	if err := a.eventConsumer.Start(ctx); err != nil {
		return err
	}

	a.maintScheduler.Start(ctx)

	// Only once the queue has finished crash recovery and the consumer is
	// draining does intake become safe to accept traffic — the webhook
	// handler returns 503 "Handlers not initialized" until then.
	a.webhookHandler.SetReady(true)

	a.log.Info("starting http intake", zap.String("addr", a.httpServer.Addr))
	err := a.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown reverses the boot order: stop the scheduler ticker, shut down
// HTTP intake, stop the consumer (awaiting inflight tasks), then
// disconnect the queue/cache's shared store, close the database, and
// flush the tracer, all bounded by shutdownTimeout. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		a.webhookHandler.SetReady(false)
		a.maintScheduler.Stop()

		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Error("http server shutdown error", zap.Error(err))
			a.shutdownErr = err
		}

		if err := a.eventConsumer.Stop(ctx); err != nil {
			a.log.Error("consumer shutdown error", zap.Error(err))
			a.shutdownErr = err
		}

		if err := a.store.Close(); err != nil {
			a.log.Error("key-value store close error", zap.Error(err))
			a.shutdownErr = err
		}

		if err := a.db.Close(); err != nil {
			a.log.Error("database close error", zap.Error(err))
			a.shutdownErr = err
		}

		if err := a.tracerShutdown(ctx); err != nil {
			a.log.Error("tracer shutdown error", zap.Error(err))
			a.shutdownErr = err
		}

		a.log.Info("shutdown complete")
	})
	return a.shutdownErr
}
