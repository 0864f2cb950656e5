package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/conversation-recovery/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/conversation-recovery/internal/http/middleware"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Logger         *logging.Logger
	JobsHandler    *handlers.JobsHandler
	ReviewHandler  *handlers.ReviewHandler
	MetricsHandler http.Handler
}

// New creates the worker's HTTP router.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", handlers.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	if cfg.JobsHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", cfg.JobsHandler.SubmitJob)
			r.Get("/{jobID}", cfg.JobsHandler.GetJob)
		})
	}
	if cfg.ReviewHandler != nil {
		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.Get("/reviews", cfg.ReviewHandler.ListReviews)
			r.Post("/speaker-corrections", cfg.ReviewHandler.ApplyCorrection)
		})
		r.Route("/reviews/{itemID}", func(r chi.Router) {
			r.Get("/", cfg.ReviewHandler.GetReview)
			r.Post("/resolve", cfg.ReviewHandler.ResolveReview)
		})
	}

	return r
}
