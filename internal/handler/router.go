package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/servicefinder/internal/middleware"
	"github.com/mmeshcher/servicefinder/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware шлюза.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(h.metrics.InstrumentHandler)
	r.Use(custommiddleware.GzipMiddleware)

	r.Get("/healthz", h.Healthz)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/login/admin", h.LoginAdmin)
			r.Post("/register/user", h.RegisterUser)
			r.Post("/register/provider", h.RegisterProvider)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/logout", h.Logout)
				r.Get("/me", h.Me)
			})
		})

		r.Post("/chatbot-hook", h.ChatbotHook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Optional)

			r.Get("/map", h.Map)
			r.Get("/providers/nearby", h.Nearby)
			r.Get("/providers/search", h.Search)
			r.Get("/providers/{id}", h.Provider)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireArea(model.AreaUser))

			r.Post("/bookings/attempts", h.StartAttempt)
			r.Get("/bookings/attempts/{id}", h.Attempt)
			r.Post("/bookings/attempts/{id}/submit", h.SubmitAttempt)
			r.Post("/bookings/attempts/{id}/payment", h.ConfirmPayment)
			r.Post("/bookings/attempts/{id}/dismiss", h.DismissPayment)
			r.Get("/bookings", h.UserBookings)
			r.Post("/reviews", h.SubmitReview)
			r.Put("/profile", h.UpdateProfile)
		})

		r.Route("/provider", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireArea(model.AreaProvider))

			r.Put("/profile", h.UpdateProviderProfile)
			r.Get("/bookings", h.ProviderBookings)
			r.Put("/bookings/{id}/status", h.UpdateBookingStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireArea(model.AreaAdmin))

			r.Get("/users", h.AdminUsers)
			r.Get("/providers", h.AdminProviders)
			r.Get("/bookings", h.AdminBookings)
			r.Delete("/users/{id}", h.DeleteUser)
			r.Delete("/providers/{id}", h.DeleteProvider)
			r.Get("/payments/unconfirmed", h.UnconfirmedPayments)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		custommiddleware.WriteError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		custommiddleware.WriteError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
