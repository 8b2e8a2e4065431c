package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/folio/ledger-service/internal/metrics"
)

// NewRouter mounts h under /api/v1 with the service middleware stack,
// plus /health and /metrics. ws serves GET /api/v1/ws when non-nil.
func NewRouter(h *Handler, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if ws != nil {
			r.Handle("/ws", ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/instruments", h.ListInstruments)
			r.Post("/instruments", h.CreateInstrument)
			r.Get("/instruments/{instrumentID}", h.GetInstrument)

			r.Post("/accounts", h.CreateAccount)
			r.Route("/accounts/{userID}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/summary", h.GetSummary)
				r.Get("/audit", h.GetAudit)

				r.Post("/trades", h.CreateTrade)
				r.Get("/trades", h.ListTrades)
				r.Get("/trades/{tradeID}", h.GetTrade)

				r.Post("/transfers", h.CreateTransfer)
				r.Get("/transfers", h.ListTransfers)
				r.Get("/transfers/{transferID}", h.GetTransfer)

				r.Get("/holdings", h.ListHoldings)
				r.Get("/holdings/{instrumentID}", h.GetHolding)
			})
		})
	})

	return r
}
