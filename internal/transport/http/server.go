package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/identity"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

// NewServer builds the *http.Server serving the ingest endpoint and the
// WebSocket subscriber endpoint behind the rate limiter (spec.md §6).
func NewServer(addr string, orch *orchestrator.Orchestrator, bus *eventbus.Bus, verifier *identity.Verifier, perMinute int, rdb *redis.Client, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/ingest/sensors/", NewHandler(orch, logger))
	mux.Handle("/ws/", NewSubscriberHandler(bus, verifier, logger))

	limiter := NewLimiter(perMinute, rdb)

	return &http.Server{
		Addr:              addr,
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Shutdown drains in-flight requests; callers invoke this from the
// composition root on process signal.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
