// Package trackerapi is the HTTP and WebSocket surface of the tracking service.
package trackerapi

import (
	"context"
	"net/http"
	"time"

	"github.com/BearBump/TrackLive/internal/fanout"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/BearBump/TrackLive/internal/services/trackers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type TrackerService interface {
	Claim(ctx context.Context, in models.ClaimInput) (*models.Tracker, error)
	Provision(ctx context.Context, in models.TrackerCreateInput) (*models.Tracker, error)
	ListOwned(ctx context.Context, accountID string) ([]*trackers.TrackerStatus, error)
	LiveState(ctx context.Context, accountID string, trackerID uint64) (*trackers.TrackerStatus, error)
	History(ctx context.Context, accountID string, trackerID uint64, w models.HistoryWindow, limit int) (*models.HistoryPage, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, r models.PositionReport) (*models.IngestResult, error)
}

type Hub interface {
	Subscribe(conn fanout.Conn, accountID string) (*fanout.Subscription, error)
	Unsubscribe(sub *fanout.Subscription)
}

type Verifier interface {
	Verify(token string) (string, error)
}

type Metrics interface {
	ObserveHTTP(method, route string, code int, took time.Duration)
}

type API struct {
	trackers TrackerService
	ingestor Ingestor
	hub      Hub
	verifier Verifier

	adminKey string
	origins  []string
	ready    func(ctx context.Context) error
	metrics  Metrics
}

func New(svc TrackerService, ing Ingestor, hub Hub, verifier Verifier) *API {
	return &API{
		trackers: svc,
		ingestor: ing,
		hub:      hub,
		verifier: verifier,
		origins:  []string{"*"},
	}
}

// WithAdminKey enables the provisioning endpoint; an empty key keeps it closed.
func (a *API) WithAdminKey(key string) *API {
	a.adminKey = key
	return a
}

// WithReadiness sets the probe behind /readyz (обычно ping хранилища).
func (a *API) WithReadiness(ready func(ctx context.Context) error) *API {
	a.ready = ready
	return a
}

func (a *API) WithMetrics(m Metrics) *API {
	a.metrics = m
	return a
}

// WithOrigins limits which browser origins may open the live channel.
func (a *API) WithOrigins(patterns []string) *API {
	if len(patterns) > 0 {
		a.origins = patterns
	}
	return a
}

// Routes mounts the public API and the health probes on r.
func (a *API) Routes(r chi.Router) {
	r.Use(middleware.Recoverer)
	r.Use(a.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", a.readyz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/device/location", a.deviceLocation)

		r.Route("/user", func(r chi.Router) {
			// live channel checks the token itself: browsers can't set headers on WebSocket.
			r.Get("/live", a.live)

			r.Group(func(r chi.Router) {
				r.Use(a.requireAccount)
				r.Post("/assign-tracker", a.assignTracker)
				r.Get("/trackers", a.listTrackers)
				r.Get("/trackers/{id}/live", a.liveState)
				r.Get("/trackers/{id}/history", a.history)
			})
		})

		r.With(a.requireAdmin).Post("/admin/trackers", a.provisionTracker)
	})
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
