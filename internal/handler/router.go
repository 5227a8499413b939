package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/droppoint/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса DropPoint.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)

			r.Get("/balance", h.GetBalance)
			r.Get("/redemptions", h.GetRedemptions)

			r.Post("/rfid/link", h.StartCardLink)
			r.Get("/rfid/link", h.CardLinkStatus)
			r.Delete("/rfid/link", h.CancelCardLink)
		})
	})

	r.Route("/api/store", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/items", h.GetItems)
		r.Post("/items/{id}/redeem", h.Redeem)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireAdmin(h.service))

		r.Post("/items", h.CreateItem)
		r.Put("/items/{id}", h.UpdateItem)
		r.Delete("/items/{id}", h.DeleteItem)
		r.Put("/items/{id}/stock", h.SetStock)

		r.Get("/users", h.GetUsers)
		r.Put("/users/{uid}/points", h.SetUserPoints)
		r.Put("/users/{uid}/rfid", h.SetUserCard)
		r.Delete("/users/{uid}", h.DeleteUser)

		r.Get("/redemptions", h.GetAllRedemptions)
		r.Post("/redemptions/{uid}/{id}/collect", h.MarkCollected)

		r.Get("/stats", h.GetStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
