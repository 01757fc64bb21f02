package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/port"
)

type ctxKey string

const userIDKey ctxKey = "userID"

const bearerPrefix = "Bearer "

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// Authenticate rejects requests without a valid bearer token and stores the
// verified user id on the request context.
func Authenticate(verifier port.IdentityVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				writeError(w, logger, http.StatusUnauthorized, "unauthorized", "Authentication required.", uuid.Nil, nil)
				return
			}

			userID, err := verifier.Verify(r.Context(), strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
			if err != nil {
				logger.Debug("rejected credential", zap.Error(err))
				writeError(w, logger, http.StatusUnauthorized, "unauthorized", "Authentication required.", uuid.Nil, nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
