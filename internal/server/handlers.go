package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AppInfo describes the running daemon.
type AppInfo struct {
	Name          string `json:"name"`
	Server        string `json:"server"`
	ServerVersion string `json:"serverVersion,omitempty"`
	Sessions      int    `json:"sessions"`
}

// getAppInfo handles GET /app.
func (s *Server) getAppInfo(w http.ResponseWriter, r *http.Request) {
	state := s.app.ServerState()
	writeJSON(w, http.StatusOK, AppInfo{
		Name:          "nexus",
		Server:        string(state.Status),
		ServerVersion: s.app.ServerVersion(r.Context()),
		Sessions:      len(s.app.Sessions()),
	})
}

// getServerState handles GET /server.
func (s *Server) getServerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.ServerState())
}

// startServer handles POST /server/start.
func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	if err := s.app.StartServer(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.ServerState())
}

// stopServer handles POST /server/stop.
func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.app.StopServer(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.ServerState())
}

// restartServer handles POST /server/restart.
func (s *Server) restartServer(w http.ResponseWriter, r *http.Request) {
	if err := s.app.RestartServer(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.ServerState())
}

// listSessions handles GET /session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Sessions())
}

// createSession handles POST /session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.app.CreateSession(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// getSession handles GET /session/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.app.Session(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// deleteSession handles DELETE /session/{sessionID}.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.app.DeleteSession(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}

// getMessages handles GET /session/{sessionID}/message.
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	history, err := s.app.History(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// sendMessageRequest is the POST /session/{sessionID}/message payload.
type sendMessageRequest struct {
	Content string `json:"content"`
}

// sendMessage handles POST /session/{sessionID}/message. It returns the
// pending assistant message; its content arrives over /event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}

	msg, err := s.app.SendMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// abortStream handles POST /session/{sessionID}/abort.
func (s *Server) abortStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.app.CancelStream(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}
