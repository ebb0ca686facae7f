package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServeAndWait starts every server in its own goroutine and blocks until either:
//   - ctx is canceled, or
//   - one of the servers fails unexpectedly.
//
// It then shuts all of them down, each with the given timeout.
//
// Returns a non-nil error if:
//   - a server exits unexpectedly (not ErrServerClosed), or
//   - shutdown fails.
func ServeAndWait(ctx context.Context, logger *zap.Logger, shutdownTimeout time.Duration, servers ...*http.Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("no http server")
	}
	for _, srv := range servers {
		if srv == nil {
			return fmt.Errorf("nil http server")
		}
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("HTTP server listening", zap.String("address", srv.Addr))
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("HTTP server error", zap.Error(runErr))
		}
	}

	logger.Info("Shutting down HTTP servers", zap.Duration("timeout", shutdownTimeout))

	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", zap.String("address", srv.Addr), zap.Error(err))
				return fmt.Errorf("http shutdown %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// If a server crashed unexpectedly, return that after shutdown attempt
	if runErr != nil {
		return fmt.Errorf("http server failed: %w", runErr)
	}

	logger.Info("HTTP servers stopped")
	return nil
}
