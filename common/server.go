package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/moonbeam-foundation/lazyfork/log"
)

const serverShutdownTimeout = 5 * time.Second

// RunServer runs the HTTP server until it fails or ctx is canceled, in which
// case the server is shut down gracefully.
func RunServer(ctx context.Context, server *http.Server, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down http server", "addr", server.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
