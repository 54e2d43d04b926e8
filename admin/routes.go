package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin and, when metrics is not
// nil, the Prometheus handler at /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string, metrics http.Handler) {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/stats", handlers.handleStats)
		r.Get("/checkpoints", handlers.handleCheckpoints)
		r.Get("/importers/{importerID}", handlers.handleImporter)
		r.Post("/ack/{token}", handlers.handleAck)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
