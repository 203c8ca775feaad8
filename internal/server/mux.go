// Package server provides HTTP server construction for chat-sync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger

	// RateLimit is the per-IP request rate allowed on /mcp. Zero
	// disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint requires an API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	var mcpHandler http.Handler = authMiddleware(cfg.MCPHandler)
	if cfg.RateLimit > 0 {
		mcpHandler = rateLimit(newIPLimiter(cfg.RateLimit, cfg.RateBurst), cfg.Logger, mcpHandler)
	}

	mux.Handle("/mcp", mcpHandler)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
