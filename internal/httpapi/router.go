// Package httpapi is the HTTP surface: routing, middleware and the response
// envelope every endpoint answers with.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pocketllm/internal/auth"
	"pocketllm/internal/chats"
	"pocketllm/internal/credentials"
	"pocketllm/internal/dispatch"
	"pocketllm/internal/embeddings"
	"pocketllm/internal/jobs"
	"pocketllm/internal/metrics"
	"pocketllm/internal/modelconfigs"
)

type Config struct {
	Verifier     *auth.Verifier
	Credentials  *credentials.Service
	Dispatcher   *dispatch.Dispatcher
	ModelConfigs *modelconfigs.Service
	Chats        *chats.Service
	Embeddings   *embeddings.Service
	Jobs         *jobs.Service

	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error

	HealthPath      string
	MetricsPath     string
	BodyLimit       int64
	IPRatePerMinute int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type api struct {
	creds      *credentials.Service
	dispatcher *dispatch.Dispatcher
	configs    *modelconfigs.Service
	chats      *chats.Service
	embeddings *embeddings.Service
	jobs       *jobs.Service
}

func NewRouter(cfg Config) http.Handler {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	a := &api{
		creds:      cfg.Credentials,
		dispatcher: cfg.Dispatcher,
		configs:    cfg.ModelConfigs,
		chats:      cfg.Chats,
		embeddings: cfg.Embeddings,
		jobs:       cfg.Jobs,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestContext(cfg.Logger))
	r.Use(recoverer)
	r.Use(bodyLimit(cfg.BodyLimit))
	r.Use(limitByIP(cfg.IPRatePerMinute, m))
	r.Use(accessLog(m))

	mountOps(r, cfg.HealthPath, cfg.MetricsPath, cfg.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(cfg.Verifier))

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", a.listProviders)
			r.Post("/", a.activateProvider)
			r.Patch("/{provider}", a.updateProvider)
			r.Post("/{provider}/deactivate", a.deactivateProvider)
			r.Get("/{provider}/models", a.listProviderModels)
		})

		r.Route("/model-configs", func(r chi.Router) {
			r.Get("/", a.listModelConfigs)
			r.Post("/", a.createModelConfig)
			r.Get("/{id}", a.getModelConfig)
			r.Patch("/{id}", a.updateModelConfig)
			r.Delete("/{id}", a.deleteModelConfig)
			r.Post("/{id}/default", a.setDefaultModelConfig)
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", a.listChats)
			r.Post("/", a.createChat)
			r.Get("/{id}", a.getChat)
			r.Delete("/{id}", a.deleteChat)
			r.Get("/{id}/messages", a.listMessages)
			r.Post("/{id}/messages", a.sendMessage)
		})

		r.Post("/embeddings", a.createEmbeddings)
		r.Route("/embedding-collections", func(r chi.Router) {
			r.Get("/", a.listCollections)
			r.Get("/{id}/embeddings", a.listCollectionEmbeddings)
			r.Delete("/{id}", a.deleteCollection)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", a.listJobs)
			r.Post("/images", a.createImageJob)
			r.Get("/{id}", a.getJob)
			r.Post("/{id}/cancel", a.cancelJob)
		})
	})

	return r
}

// NewOpsRouter serves only the health and metrics endpoints.
func NewOpsRouter(healthPath, metricsPath string, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(requestContext(logger))
	r.Use(recoverer)
	mountOps(r, healthPath, metricsPath, nil)
	return r
}

func mountOps(r chi.Router, healthPath, metricsPath string, health func(*http.Request) error) {
	if healthPath == "" {
		healthPath = "/healthz"
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
				writeStatus(w, r, http.StatusServiceUnavailable, "unhealthy")
				return
			}
		}
		writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, metricsPath, promhttp.Handler())
}
