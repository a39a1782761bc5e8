// SSE Implementation Note:
// This file contains a custom Server-Sent Events (SSE) implementation rather
// than using a third-party package like r3labs/sse. The wire format is three
// lines per event and the fan-out already lives in the event bus; a streaming
// framework on top of that would only add indirection.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/logging"
)

// WireEvent is the JSON envelope for events delivered over /event.
type WireEvent struct {
	Type       event.EventType `json:"type"`
	Seq        uint64          `json:"seq"`
	Properties any             `json:"properties"`
}

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	// sseSubscriberBuffer bounds each connection's event backlog.
	sseSubscriberBuffer = 64
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	// Use ResponseController for more reliable flushing (Go 1.20+)
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// Flush through ResponseController first so middleware wrappers are
	// handled, then fall back to the plain Flusher.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// streamEvents handles GET /event. An optional sessionID query parameter
// narrows the stream to one chat session's events.
func (srv *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Flush headers immediately so the client sees the stream open before
	// the first event arrives.
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	connected := WireEvent{
		Type:       "server.connected",
		Properties: map[string]any{},
	}
	if err := sse.writeEvent("message", connected); err != nil {
		return
	}

	sub := srv.app.Bus().SubscribeBuffer(sseSubscriberBuffer)
	defer sub.Close()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	log := logging.Component("server")
	for {
		select {
		case <-r.Context().Done():
			if dropped := sub.Dropped(); dropped > 0 {
				log.Warn().Uint64("dropped", dropped).Msg("sse subscriber fell behind")
			}
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if sessionID != "" && !eventBelongsToSession(e, sessionID) {
				continue
			}
			data := WireEvent{
				Type:       e.Type,
				Seq:        e.Seq,
				Properties: e.Data,
			}
			if err := sse.writeEvent("message", data); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// eventBelongsToSession checks if an event belongs to a chat session.
// Server lifecycle events are global and pass every filter.
func eventBelongsToSession(e event.Event, sessionID string) bool {
	switch data := e.Data.(type) {
	case event.SessionData:
		return data.Session.ID == sessionID
	case event.MessageData:
		return data.Message.SessionID == sessionID
	case event.MessageDeltaData:
		return data.SessionID == sessionID
	case event.StorageWarningData:
		return data.SessionID == sessionID
	}
	return true
}
