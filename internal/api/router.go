// Package api assembles the HTTP router over the handler collection.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janhq/cortex/internal/api/handlers"
	"github.com/janhq/cortex/internal/api/middleware"
	"github.com/janhq/cortex/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Store, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	doc := cfg.Get()
	if doc.CORSEnabled {
		origins := doc.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		isWildcard := len(origins) == 1 && origins[0] == "*"
		var allowOrigin func(*http.Request, string) bool
		if isWildcard {
			// A literal "*" entry is answered with "*"; an accept-all func
			// makes the middleware echo the request Origin instead.
			origins = nil
			allowOrigin = func(_ *http.Request, _ string) bool { return true }
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowOriginFunc:  allowOrigin,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: !isWildcard,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Healthz)
	r.Get("/events", h.Events)
	r.Handle("/metrics", promhttp.Handler())

	// Inference server endpoints kept at their historical paths.
	r.Route("/inferences/server", func(r chi.Router) {
		r.Post("/loadmodel", h.LoadModel)
		r.Post("/unloadmodel", h.UnloadModel)
		r.Get("/models", h.ListLoadedModels)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/embeddings", h.Embeddings)
		r.Get("/system", h.System)

		r.Route("/engines", func(r chi.Router) {
			r.Get("/", h.ListEngines)
			r.Route("/{family}", func(r chi.Router) {
				r.Get("/", h.GetEngine)
				r.Get("/releases", h.ListReleases)
				r.Get("/releases/{version}", h.ListReleaseVariants)
				r.Post("/install", h.InstallEngine)
				r.Delete("/install", h.UninstallEngine)
				r.Post("/update", h.CheckEngineUpdate)
				r.Get("/default", h.GetDefaultVariant)
				r.Post("/default", h.SetDefaultVariant)
				r.Post("/load", h.LoadEngine)
				r.Delete("/load", h.UnloadEngine)
			})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/pull", h.PullModel)
			r.Delete("/{modelID}", h.DeleteModel)
		})
		r.Delete("/downloads/{taskID}", h.CancelDownload)

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", h.ListThreads)
			r.Post("/", h.CreateThread)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", h.GetThread)
				r.Patch("/", h.ModifyThread)
				r.Delete("/", h.DeleteThread)
				r.Route("/messages", func(r chi.Router) {
					r.Get("/", h.ListMessages)
					r.Post("/", h.CreateMessage)
					r.Route("/{messageID}", func(r chi.Router) {
						r.Get("/", h.GetMessage)
						r.Patch("/", h.ModifyMessage)
						r.Delete("/", h.DeleteMessage)
					})
				})
			})
		})
	})

	return r
}
