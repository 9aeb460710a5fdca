package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/api/response"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{"database": "ok", "cache": "ok"}
		degraded := false
		if err := db.Ping(ctx); err != nil {
			checks["database"] = "degraded"
			degraded = true
		}
		if err := cache.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
			degraded = true
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more services degraded", checks)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}
