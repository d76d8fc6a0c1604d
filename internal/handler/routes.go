package handler

import (
	"github.com/go-chi/chi/v5"
)

// API groups the handlers mounted under /api/v1.
type API struct {
	Chat    *ChatHandler
	Stream  *StreamHandler
	Threads *ThreadHandler
	Account *AccountHandler
}

// Routes mounts the API endpoints on r. Authentication is the caller's
// middleware.
func (a *API) Routes(r chi.Router) {
	r.Post("/chat", a.Chat.Chat)

	r.Get("/threads", a.Threads.List)
	r.Route("/thread/{threadID}", func(r chi.Router) {
		r.Get("/", a.Threads.Get)
		r.Get("/stream", a.Stream.Resume)
		r.Post("/stop", a.Threads.Stop)
	})

	r.Get("/usage", a.Account.Usage)
	r.Get("/models", a.Account.Models)
}
