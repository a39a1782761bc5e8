package chat

import (
	"context"

	"github.com/google/uuid"
)

// StreamHandle identifies one live assistant response stream. The handle
// carries a cancellable context observed by the consuming task at chunk
// boundaries, and a done channel closed when the message is completed.
type StreamHandle struct {
	id        string
	sessionID string
	messageID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newStreamHandle(sessionID, messageID string) *StreamHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandle{
		id:        uuid.NewString(),
		sessionID: sessionID,
		messageID: messageID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID is the handle's unique identifier.
func (h *StreamHandle) ID() string { return h.id }

// SessionID is the owning session.
func (h *StreamHandle) SessionID() string { return h.sessionID }

// MessageID is the assistant message the stream is filling.
func (h *StreamHandle) MessageID() string { return h.messageID }

// Context is cancelled when the stream is aborted. Consumers check it
// between chunks; already-delivered content is kept.
func (h *StreamHandle) Context() context.Context { return h.ctx }

// Cancel flags the stream for cancellation. Safe to call repeatedly.
func (h *StreamHandle) Cancel() { h.cancel() }

// Cancelled reports whether Cancel has been called.
func (h *StreamHandle) Cancelled() bool { return h.ctx.Err() != nil }

// Done is closed when the stream's message has been completed and the
// handle released.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// finish releases the handle. Called by the store exactly once, when the
// message completes.
func (h *StreamHandle) finish() {
	h.cancel()
	close(h.done)
}
