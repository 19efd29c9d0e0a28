package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/ryoa/internal/middleware"
)

const healthCheckTimeout = 2 * time.Second

// Pinger はデータベースの疎通確認を行う。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックを返す。
// GET /health
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
