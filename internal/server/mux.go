// Package server provides HTTP server construction for relay-chat.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/auth"
)

// Status reports the client's liveness for the health endpoint.
type Status interface {
	Connected() bool
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.Keys
	MCPHandler http.Handler
	Status     Status
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(accessLog(cfg.MCPHandler, cfg.Logger)))

	return mux
}

// NewServer wraps handler in an http.Server with the timeouts used for
// the MCP listener.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func handleHealth(status Status) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		_ = json.NewEncoder(w).Encode(map[string]bool{
			"connected": status != nil && status.Connected(),
		})
	}
}

// accessLog records which API key user reached the MCP endpoint.
func accessLog(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		logger.Info("mcp request",
			slog.String("method", r.Method),
			slog.String("user_id", auth.RequestUserID(r.Context())),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
			slog.Duration("took", time.Since(start)),
		)
	})
}
