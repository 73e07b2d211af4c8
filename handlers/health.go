package handlers

import (
	"context"
	"net/http"

	"github.com/harinish45/xare-core/utils"
)

// Pinger checks a backing service connection
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheck handles GET /healthz. Always 200: the process is up.
func HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadinessCheck handles GET /readyz. A nil db means state is in-memory
// only and the service is always ready.
func ReadinessCheck(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				_ = utils.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "degraded",
					"error":  err.Error(),
				})
				return
			}
		}
		_ = utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
