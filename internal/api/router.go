package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/synopsis/internal/api/middleware"
	"github.com/phrazzld/synopsis/internal/api/shared"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds the handlers' dependencies.
type RouterConfig struct {
	Jobs  JobService
	Rooms Subscriber
	// DeadLetters serves GET /queue/dead-letters when not nil.
	DeadLetters DeadLetterLister
	// Metrics serves GET /metrics when not nil.
	Metrics http.Handler
	// Checks run on GET /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	// SubmitLimiter throttles POST /jobs per client when not nil.
	SubmitLimiter middleware.Allower
	// OnRateLimited is called for every throttled submission.
	OnRateLimited func()
	// Heartbeat is the keep-alive interval of event streams.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewTraceMiddleware(cfg.Logger))

	jobs := NewJobHandler(cfg.Jobs)
	stream := NewEventsHandler(cfg.Jobs, cfg.Rooms, cfg.Heartbeat)

	r.Route("/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.SubmitLimiter != nil {
				r.Use(middleware.RateLimit(cfg.SubmitLimiter, "submit", cfg.OnRateLimited))
			}
			r.Post("/", jobs.Submit)
		})
		r.Get("/{id}", jobs.Get)
		r.Post("/{id}/cancel", jobs.Cancel)
		r.Get("/{id}/events", stream.Stream)
	})

	r.Get("/healthz", healthHandler(cfg.Checks))
	if cfg.DeadLetters != nil {
		r.Get("/queue/dead-letters", deadLettersHandler(cfg.DeadLetters))
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		shared.RespondWithJSON(w, r, status, map[string]any{
			"status": overall,
			"checks": results,
		})
	}
}
