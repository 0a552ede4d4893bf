package apikeyauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/httpserver"
)

type contextKey int

const tokenContextKey contextKey = 0

// TokenStore is the subset of Store the middleware needs.
type TokenStore interface {
	FindByPrefix(ctx context.Context, raw string) (Token, bool, error)
	UpdateLastUsed(ctx context.Context, id int64, at time.Time) error
}

// Middleware authenticates requests bearing "Authorization: Bearer <token>"
// against store, satisfying internal/httpserver.AuthMiddleware.
type Middleware struct {
	store  TokenStore
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Middleware.
func New(store TokenStore, c clock.Clock, logger *slog.Logger) *Middleware {
	return &Middleware{store: store, clock: c, logger: logger}
}

// Wrap implements internal/httpserver.AuthMiddleware.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		token, found, err := m.store.FindByPrefix(r.Context(), raw)
		if err != nil {
			m.logger.Error("looking up api token", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to authenticate")
			return
		}
		if !found || !token.matches(raw) {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}

		if err := m.store.UpdateLastUsed(r.Context(), token.ID, m.clock.Now()); err != nil {
			m.logger.Warn("updating token last_used_at", "error", err, "token_id", token.ID)
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the Token that authenticated the request, if any.
func FromContext(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(tokenContextKey).(Token)
	return t, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if raw == "" {
		return "", false
	}
	return raw, true
}
