package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// healthServer answers GET /health while a process runs.
type healthServer struct {
	logger *slog.Logger
	server *http.Server
}

// healthHandler logs the request and answers OK.
func (h *healthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startHealthcheckServer runs the health check server on port in the
// background. A port of 0 or less disables it and returns nil.
func startHealthcheckServer(port int, logger *slog.Logger) (*healthServer, error) {
	logger.Debug("Configuring health check server.")
	if port <= 0 {
		logger.Debug("Health check server not started: disabled")
		return nil, nil
	}

	h := &healthServer{logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.healthHandler)

	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health check server: %w", err)
	}
	h.server = &http.Server{Handler: mux}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// Serve returns ErrServerClosed on graceful shutdown.
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
	return h, nil
}

// close shuts the server down, waiting at most five seconds. It is safe on
// a nil server.
func (h *healthServer) close() error {
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.logger.Info("🩺 Shutting down health check server...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	h.logger.Debug("Health check server shut down gracefully.")
	return nil
}
