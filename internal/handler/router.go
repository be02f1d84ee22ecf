package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mmeshcher/splitbill/internal/metrics"
	custommiddleware "github.com/mmeshcher/splitbill/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/telegram/{secret}", h.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/bills/{id}", h.GetBill)
		r.Get("/bills/{id}/qr", h.GetBillQR)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/bills", h.CreateBill)
			r.Post("/bills/{id}/dishes/{dishID}/toggle", h.ToggleDish)
			r.Post("/bills/{id}/lock", h.LockBill)
			r.Post("/bills/{id}/participants/{actorID}/pay", h.MarkPaid)

			r.Post("/receipts/parse", h.ParseReceipt)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", custommiddleware.InitDataHeader},
		MaxAge:         600,
	})

	return c.Handler(r)
}

func secretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
