package trackerapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/TrackLive/internal/auth"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

type ctxKey int

const accountKey ctxKey = iota

func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

func AccountFromContext(ctx context.Context) string {
	acc, _ := ctx.Value(accountKey).(string)
	return acc
}

func (a *API) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := a.verifier.Verify(auth.BearerToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
	})
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.CheckAdminKey(a.adminKey, r.Header.Get("X-Admin-Key")); err != nil {
			writeError(w, r, errors.Wrap(models.ErrUnauthorized, "admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		took := time.Since(start)
		if a.metrics != nil {
			a.metrics.ObserveHTTP(r.Method, route, status, took)
		}
		slog.Info("http request",
			"method", r.Method, "route", route, "status", status, "duration_ms", took.Milliseconds())
	})
}
