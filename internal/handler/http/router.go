// Package http exposes the withdrawal service over a JSON API.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/port"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

func NewRouter(withdrawals *WithdrawalHandler, verifier port.IdentityVerifier, store Pinger, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health(store, logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(verifier, logger))
		r.Post("/withdraw", withdrawals.Withdraw)
		r.Get("/withdrawable-deposits", withdrawals.WithdrawableDeposits)
	})

	return r
}

func health(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			writeError(w, logger, http.StatusServiceUnavailable, "storage_unavailable", "Storage is not reachable.", uuid.Nil, nil)
			return
		}
		writeJSON(w, logger, http.StatusOK, successResponse{Success: true, Message: "ok"})
	}
}
