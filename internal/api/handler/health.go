package handler

import (
	"context"
	"net/http"

	"github.com/asampat/glaciate/internal/api/response"
)

// Pinger is anything with a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the GET /api/v1/health handler. It reports each
// dependency individually and answers 503 when any is down.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}
		healthy := true

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "One or more dependencies are down", checks)
			return
		}
		response.JSON(w, checks)
	}
}
