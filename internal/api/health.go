package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// health handles GET /health. Liveness probe, always OK while the
// process runs.
func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readiness handles GET /ready. Readiness probe that verifies the
// database is reachable. A nil pool reports ready (degraded setups
// without a database probe).
func readiness(pool *pgxpool.Pool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				logger.Warn("readiness probe failed", "error", err)
				WriteError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable", logger)
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	})
}
