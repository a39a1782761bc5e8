package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Daemon info
	r.Get("/app", s.getAppInfo)

	// Managed server lifecycle
	r.Route("/server", func(r chi.Router) {
		r.Get("/", s.getServerState)
		r.Post("/start", s.startServer)
		r.Post("/stop", s.stopServer)
		r.Post("/restart", s.restartServer)
	})

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			// Messages
			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage)

			// Stream control
			r.Post("/abort", s.abortStream)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.streamEvents)

	// Prometheus exposition
	r.Handle("/metrics", s.app.Metrics().Handler())
}
