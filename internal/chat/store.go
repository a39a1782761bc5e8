// Package chat owns the in-memory registry of chat sessions and their
// message history. Every mutation is durably recorded under the data
// directory after the in-memory update; persistence failures degrade to a
// warning event so chat keeps functioning in memory.
package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/internal/storage"
	"github.com/opencode-ai/nexus/pkg/types"
)

// titleLimit bounds the session title derived from the first user message.
const titleLimit = 64

// session is the mutable record owned exclusively by the store.
type session struct {
	info     types.ChatSession
	messages []types.ChatMessage
	stream   *StreamHandle
}

// Store is the chat session registry. The session map is guarded by one
// mutex with short critical sections; disk writes happen after the lock is
// released.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session

	storage *storage.Storage
	bus     *event.Bus
}

// NewStore creates a session store persisting through st.
func NewStore(st *storage.Storage, bus *event.Bus) *Store {
	return &Store{
		sessions: make(map[string]*session),
		storage:  st,
		bus:      bus,
	}
}

// Load restores persisted sessions from disk. Called once at startup,
// before the store is shared.
func (s *Store) Load() error {
	ids, err := s.storage.List([]string{"session"})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for _, id := range ids {
		var info types.ChatSession
		if err := s.storage.Get([]string{"session", id}, &info); err != nil {
			logging.Warn().Str("session", id).Err(err).Msg("skipping unreadable session")
			continue
		}

		sess := &session{info: info}
		err := s.storage.ReadLog([]string{"session", id, "messages"}, func(data json.RawMessage) error {
			var msg types.ChatMessage
			if err := unmarshalMessage(data, &msg); err != nil {
				return nil // skip unreadable entries, keep the rest
			}
			sess.messages = append(sess.messages, msg)
			return nil
		})
		if err != nil {
			logging.Warn().Str("session", id).Err(err).Msg("partial message history restored")
		}

		sess.info.Messages = len(sess.messages)
		sess.info.Streaming = false
		s.sessions[id] = sess
	}

	logging.Info().Int("sessions", len(s.sessions)).Msg("chat sessions loaded")
	return nil
}

// CreateSession allocates a new empty session and returns its snapshot.
func (s *Store) CreateSession() types.ChatSession {
	info := types.ChatSession{
		ID:      ulid.Make().String(),
		Created: time.Now(),
	}

	s.mu.Lock()
	s.sessions[info.ID] = &session{info: info}
	s.mu.Unlock()

	if err := s.storage.Put([]string{"session", info.ID}, info); err != nil {
		s.warnPersist(info.ID, err)
	}
	s.bus.Publish(event.SessionCreated, event.SessionData{Session: info})
	return info
}

// Sessions returns snapshots of all sessions, oldest first.
func (s *Store) Sessions() []types.ChatSession {
	s.mu.Lock()
	out := make([]types.ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Session returns one session snapshot.
func (s *Store) Session(id string) (types.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.ChatSession{}, types.ErrSessionNotFound
	}
	return sess.info, nil
}

// BeginExchange records the user message and allocates the pending
// assistant message plus the session's StreamHandle in one step under the
// session lock. A sender that loses the race for the stream slot leaves no
// trace: either both messages land or neither does.
func (s *Store) BeginExchange(sessionID, text string) (types.ChatMessage, *StreamHandle, error) {
	now := time.Now()
	user := types.ChatMessage{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   text,
		Complete:  true,
		Time:      now,
	}
	pending := types.ChatMessage{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		Time:      now,
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.ChatMessage{}, nil, types.ErrSessionNotFound
	}
	if sess.stream != nil {
		s.mu.Unlock()
		return types.ChatMessage{}, nil, types.ErrStreamInProgress
	}
	handle := newStreamHandle(sessionID, pending.ID)
	sess.stream = handle
	sess.messages = append(sess.messages, user, pending)
	sess.info.Messages = len(sess.messages)
	sess.info.Streaming = true
	var info *types.ChatSession
	if sess.info.Title == "" {
		sess.info.Title = deriveTitle(text)
		snapshot := sess.info
		info = &snapshot
	}
	s.mu.Unlock()

	if err := s.storage.Append([]string{"session", sessionID, "messages"}, user); err != nil {
		s.warnPersist(sessionID, err)
	}
	if info != nil {
		if err := s.storage.Put([]string{"session", sessionID}, *info); err != nil {
			s.warnPersist(sessionID, err)
		}
	}
	s.bus.Publish(event.MessageCreated, event.MessageData{Message: user})
	s.bus.Publish(event.MessageCreated, event.MessageData{Message: pending})
	return pending, handle, nil
}

// AppendDelta grows the in-progress message content under the session lock
// and returns the cumulative content so far.
func (s *Store) AppendDelta(sessionID, messageID, delta string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", types.ErrSessionNotFound
	}
	msg := sess.find(messageID)
	if msg == nil || msg.Complete {
		return "", fmt.Errorf("message %s is not streaming", messageID)
	}
	msg.Content += delta
	return msg.Content, nil
}

// CompleteMessage marks the message complete (appending marker, if any, to
// its content), clears the session's stream handle, and durably records
// the finished message. The returned snapshot is immutable from here on.
func (s *Store) CompleteMessage(sessionID, messageID, marker string) (types.ChatMessage, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.ChatMessage{}, types.ErrSessionNotFound
	}
	msg := sess.find(messageID)
	if msg == nil {
		s.mu.Unlock()
		return types.ChatMessage{}, fmt.Errorf("message %s not found", messageID)
	}
	if !msg.Complete {
		msg.Content += marker
		msg.Complete = true
	}
	snapshot := *msg
	if sess.stream != nil && sess.stream.messageID == messageID {
		sess.stream.finish()
		sess.stream = nil
		sess.info.Streaming = false
	}
	s.mu.Unlock()

	if err := s.storage.Append([]string{"session", sessionID, "messages"}, snapshot); err != nil {
		s.warnPersist(sessionID, err)
	}
	return snapshot, nil
}

// History returns a snapshot copy of the session's messages; callers never
// see live references.
func (s *Store) History(sessionID string) ([]types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	out := make([]types.ChatMessage, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

// ActiveStream returns the session's live stream handle, or nil.
func (s *Store) ActiveStream(sessionID string) *StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.stream
	}
	return nil
}

// CancelStream flags the session's live stream for cancellation. The
// consuming task observes the flag at the next chunk boundary; the handle
// is cleared when the task completes the message.
func (s *Store) CancelStream(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.ErrSessionNotFound
	}
	handle := sess.stream
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	return nil
}

// CancelAllStreams flags every live stream for cancellation. Used when the
// server is being taken down so no stream read races the process teardown.
func (s *Store) CancelAllStreams() {
	s.mu.Lock()
	var handles []*StreamHandle
	for _, sess := range s.sessions {
		if sess.stream != nil {
			handles = append(handles, sess.stream)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// DeleteSession cancels any live stream, then removes the session and its
// on-disk history.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.ErrSessionNotFound
	}
	handle := sess.stream
	info := sess.info
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	if err := s.storage.Delete([]string{"session", sessionID}); err != nil {
		s.warnPersist(sessionID, err)
	}
	s.bus.Publish(event.SessionDeleted, event.SessionData{Session: info})
	return nil
}

func (s *Store) warnPersist(sessionID string, err error) {
	logging.Warn().Str("session", sessionID).Err(err).Msg("session persistence failed; continuing in memory")
	s.bus.Publish(event.StorageWarning, event.StorageWarningData{
		SessionID: sessionID,
		Reason:    err.Error(),
	})
}

// find locates a message by id, scanning from the newest. Callers hold the
// store lock.
func (sess *session) find(messageID string) *types.ChatMessage {
	for i := len(sess.messages) - 1; i >= 0; i-- {
		if sess.messages[i].ID == messageID {
			return &sess.messages[i]
		}
	}
	return nil
}

func unmarshalMessage(data []byte, msg *types.ChatMessage) error {
	return json.Unmarshal(data, msg)
}

// deriveTitle turns the first user message into a session title.
func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > titleLimit {
		title = string(runes[:titleLimit-1]) + "…"
	}
	return title
}
