package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Middleware is a standard HTTP middleware function.
type Middleware func(http.Handler) http.Handler

// NewRouter assembles the /v1 API routes. inviteLimit, when non-nil, is
// applied to the invite endpoints only; the rest of the API is not rate
// limited.
func NewRouter(h *Handler, auth *Authenticator, requestLogger Middleware, inviteLimit Middleware) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if requestLogger != nil {
		r.Use(requestLogger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.HandleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Group(func(r chi.Router) {
			if inviteLimit != nil {
				r.Use(inviteLimit)
			}
			r.Post("/invites", h.HandleCreateInvite)
			r.Get("/invites/{code}", h.HandleValidateInvite)
			r.Post("/invites/{code}/accept", h.HandleAcceptInvite)
			r.Delete("/invites", h.HandleCancelInvite)
		})

		r.Get("/partner", h.HandleGetPartner)
		r.Delete("/partner", h.HandleDissolvePartnership)

		r.Get("/tasks", h.HandleListTasks)
		r.Post("/tasks/requests", h.HandleRequestTask)
		r.Post("/tasks/{id}/accept", h.HandleAcceptTaskRequest)
		r.Post("/tasks/{id}/decline", h.HandleDeclineTaskRequest)
		r.Post("/tasks/{id}", h.HandleUpsertTask)

		r.Get("/changes", h.HandleChanges)
		r.Get("/changes/snapshot", h.HandleSnapshot)
	})

	return r
}
