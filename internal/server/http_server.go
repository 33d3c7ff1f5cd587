package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HTTP timeouts for the chat listener. WebSocket connections manage their
// own deadlines once upgraded.
const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// CreateServer returns the http.Server that serves the auth, record and
// WebSocket routes on addr.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// ShutdownServer stops accepting requests and waits up to timeout for
// in-flight requests to finish. Upgraded WebSocket connections are not
// tracked by srv; the presence broadcaster closes them.
func ShutdownServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("stopping HTTP listener", "addr", srv.Addr, "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP listener did not stop cleanly", "addr", srv.Addr, "error", err)
		return err
	}

	logger.Info("HTTP listener stopped", "addr", srv.Addr)
	return nil
}
