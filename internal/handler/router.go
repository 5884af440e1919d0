package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/campushelp/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/profile", h.GetProfile)
			r.Put("/profile", h.UpdateProfile)

			r.Get("/posts", h.GetMyPosts)
			r.Get("/helps", h.GetMyHelps)
			r.Get("/points", h.GetPointHistory)

			r.Post("/messages", h.SendMessage)
			r.Get("/messages/{partnerID}", h.GetConversation)
		})
	})

	r.Get("/api/users/{userID}", h.GetUser)

	r.Route("/api/listings/{kind}", func(r chi.Router) {
		r.Get("/", h.ListOpen)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/", h.CreateListing)
			r.Post("/{id}/accept", h.Accept)
			r.Post("/{id}/finish", h.Finish)
			r.Post("/{id}/review", h.Review)
			r.Delete("/{id}", h.Delete)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
