package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Subscriptions *SubscriptionHandler
	Health        *HealthHandler
	// Metrics serves the Prometheus exposition format on /metrics when set.
	Metrics    http.Handler
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.Check)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	if cfg.Subscriptions != nil {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", cfg.Subscriptions.List)
			r.Post("/", cfg.Subscriptions.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Subscriptions.Get)
				r.Put("/", cfg.Subscriptions.Update)
				r.Delete("/", cfg.Subscriptions.Delete)
				r.Get("/deliveries", cfg.Subscriptions.Deliveries)
			})
		})
		r.Post("/preview", cfg.Subscriptions.Preview)
	}

	return r
}
