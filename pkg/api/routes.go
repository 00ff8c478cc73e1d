package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.Handler())

	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.instrument)

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Public))
			}

			r.Get("/health", s.handleHealth)
			r.Get("/config", s.handleGetConfig)

			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/results", s.handleRunResults)
			r.Get("/runs/{id}/stats", s.handleRunStats)

			r.Get("/results", s.handleListResults)
			r.Post("/results/search", s.handleSearchResults)
			r.Get("/results/{id}", s.handleGetResult)

			r.Get("/stats", s.handleGlobalStats)
			r.Get("/stats/trend", s.handleTrend)
			r.Get("/analytics/flaky", s.handleFlaky)
			r.Get("/facets/{field}", s.handleFacet)

			r.Get("/presets", s.handleListPresets)
			r.Get("/presets/default", s.handleDefaultPreset)
			r.Get("/presets/{id}", s.handleGetPreset)

			r.Get("/db/stats", s.handleDatabaseStats)

			if s.screenshots != nil {
				r.Get("/screenshots/*", s.handleScreenshotFile)
				r.Head("/screenshots/*", s.handleScreenshotFile)
			}
		})

		// Mutating endpoints.
		r.Group(func(r chi.Router) {
			r.Use(s.requireWriteToken)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Write))
			}

			r.Put("/config", s.handlePutConfig)

			r.Put("/runs/{id}", s.handleUpdateRun)
			r.Delete("/runs/{id}", s.handleDeleteRun)

			r.Put("/results/{id}", s.handleUpdateResult)
			r.Delete("/results/{id}", s.handleDeleteResult)

			r.Post("/presets", s.handleCreatePreset)
			r.Put("/presets/{id}", s.handleUpdatePreset)
			r.Delete("/presets/{id}", s.handleDeletePreset)

			r.Post("/db/backup", s.handleBackup)
			r.Post("/db/cleanup", s.handleCleanup)
			r.Post("/db/optimize", s.handleOptimize)

			if s.deps.Gateway != nil {
				r.Route("/ingest", func(r chi.Router) {
					r.Post("/runs", s.handleIngestRunStart)
					r.Post("/runs/{id}/specs", s.handleIngestSpec)
					r.Post("/runs/{id}/events", s.handleIngestEvent)
					r.Post("/runs/{id}/screenshots", s.handleIngestScreenshot)
					r.Post("/runs/{id}/end", s.handleIngestRunEnd)
					r.Post("/runs/{id}/cancel", s.handleIngestCancel)
				})
			}
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
