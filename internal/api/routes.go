package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Saga submission runs bridge and payout polls inline, so it gets
		// no request timeout; its budget is the poll timeouts themselves.
		r.Post("/offramp", h.SubmitOffRamp)

		r.Group(func(r chi.Router) {
			r.Use(m.Timeout(15 * time.Second))

			r.Get("/offramp/{id}", h.GetOffRamp)
			r.Post("/webhooks/payout", h.HandlePayoutWebhook)

			r.Get("/rates/preview", h.GetRatePreview)
			r.Get("/institutions", h.ListInstitutions)
			r.Post("/accounts/verify", h.VerifyAccount)
		})
	})

	return r
}
