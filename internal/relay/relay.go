// Package relay forwards chat prompts to the supervised server and streams
// the response back into the session store, emitting a message.delta event
// per chunk. A response stream survives transient read errors only when
// nothing has been delivered yet; once content reached the session the
// stream is never restarted, to keep delivered text authoritative.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/nexus/internal/chat"
	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/pkg/types"
)

const (
	// maxAttempts bounds connection attempts for a stream that has not yet
	// delivered any content.
	maxAttempts = 3

	interruptedMarker = "\n\n[response interrupted]"
	failedMarker      = "[no response from server]"
)

// ServerSource reports the supervised server's current state. Satisfied by
// the lifecycle manager.
type ServerSource interface {
	ServerState() types.ServerState
}

// chunkPayload is one data frame of the server's prompt stream. The server
// marks the final frame with is_chunk=false; some builds send done=true
// instead, so both terminate the stream.
type chunkPayload struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	IsChunk *bool  `json:"is_chunk"`
}

// final reports whether this frame ends the stream.
func (c chunkPayload) final() bool {
	return c.Done || (c.IsChunk != nil && !*c.IsChunk)
}

// promptPart is one element of the prompt request body.
type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// promptRequest is the body of a prompt request.
type promptRequest struct {
	Parts []promptPart `json:"parts"`
}

// Relay streams prompt responses from the server into the chat store. It
// keeps a mapping from local session ids to the ids the server assigned
// when the session was registered upstream; the mapping is rebuilt on
// demand when the server stops recognizing an id.
type Relay struct {
	store  *chat.Store
	bus    *event.Bus
	source ServerSource
	client *http.Client

	mu       sync.Mutex
	upstream map[string]string

	initialBackoff time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithClient overrides the HTTP client used for prompt streams.
func WithClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithInitialBackoff overrides the first retry delay. Tests shrink it.
func WithInitialBackoff(d time.Duration) Option {
	return func(r *Relay) { r.initialBackoff = d }
}

// New creates a Relay bound to the given store, bus and server source.
func New(store *chat.Store, bus *event.Bus, source ServerSource, opts ...Option) *Relay {
	r := &Relay{
		store:  store,
		bus:    bus,
		source: source,
		// streams are long-lived, so no overall client timeout
		client:         &http.Client{},
		upstream:       make(map[string]string),
		initialBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendPrompt records the user message, allocates the pending assistant
// message and starts streaming the response in the background. It returns
// the assistant message placeholder; progress is published on the bus and
// readable through the store. Fails with ErrServerNotReady unless the
// server is running.
func (r *Relay) SendPrompt(ctx context.Context, sessionID, text string) (types.ChatMessage, error) {
	state := r.source.ServerState()
	if !state.Is(types.ServerRunning) {
		return types.ChatMessage{}, fmt.Errorf("%w: server is %s", types.ErrServerNotReady, state.Status)
	}

	msg, handle, err := r.store.BeginExchange(sessionID, text)
	if err != nil {
		return types.ChatMessage{}, err
	}

	go r.stream(handle, state.URL, text)
	return msg, nil
}

// stream drives one response stream to completion. It always completes the
// assistant message exactly once, whatever the outcome.
func (r *Relay) stream(handle *chat.StreamHandle, baseURL, prompt string) {
	log := logging.Component("relay").With().
		Str("session", handle.SessionID()).
		Str("message", handle.MessageID()).
		Logger()

	delivered := false
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff

	var streamErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivered, streamErr = r.consume(handle, baseURL, prompt)
		if streamErr == nil {
			r.complete(handle, "", "")
			return
		}
		if errors.Is(streamErr, context.Canceled) {
			// cancelled at a chunk boundary; keep what was delivered
			log.Debug().Msg("stream cancelled")
			r.complete(handle, "", "cancelled")
			return
		}
		if delivered {
			// content already reached the session; do not restart
			break
		}
		if attempt < maxAttempts {
			wait := policy.NextBackOff()
			log.Warn().Err(streamErr).Int("attempt", attempt).Dur("backoff", wait).
				Msg("stream connect failed, retrying")
			select {
			case <-handle.Context().Done():
				r.complete(handle, "", "cancelled")
				return
			case <-time.After(wait):
			}
		}
	}

	log.Error().Err(streamErr).Bool("partial", delivered).Msg("stream failed")
	marker := failedMarker
	if delivered {
		marker = interruptedMarker
	}
	r.complete(handle, marker, fmt.Sprintf("%s: %v", types.ErrStreamFailed, streamErr))
}

// ensureUpstream returns the server-side id backing the local session,
// registering the session upstream on first use. A server restart forgets
// its sessions; the resulting 404 on the next prompt drops the mapping so
// the retry registers a fresh one.
func (r *Relay) ensureUpstream(ctx context.Context, baseURL, sessionID string) (string, error) {
	r.mu.Lock()
	if id, ok := r.upstream[sessionID]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	var title string
	if info, err := r.store.Session(sessionID); err == nil {
		title = info.Title
	}
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create upstream session: status %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("create upstream session: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create upstream session: response carried no id")
	}

	r.mu.Lock()
	r.upstream[sessionID] = created.ID
	r.mu.Unlock()
	return created.ID, nil
}

func (r *Relay) forgetUpstream(sessionID string) {
	r.mu.Lock()
	delete(r.upstream, sessionID)
	r.mu.Unlock()
}

// consume runs a single streaming request. It reports whether any content
// was delivered into the session before the outcome.
func (r *Relay) consume(handle *chat.StreamHandle, baseURL, prompt string) (bool, error) {
	upstreamID, err := r.ensureUpstream(handle.Context(), baseURL, handle.SessionID())
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(promptRequest{Parts: []promptPart{{Type: "text", Text: prompt}}})
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/session/%s/prompt", baseURL, upstreamID)
	req, err := http.NewRequestWithContext(handle.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// the server no longer knows this session; re-register on retry
		r.forgetUpstream(handle.SessionID())
		return false, fmt.Errorf("prompt request: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("prompt request: status %d", resp.StatusCode)
	}

	delivered := false
	reader := newSSEReader(resp.Body)
	for {
		if handle.Cancelled() {
			return delivered, context.Canceled
		}
		ev, err := reader.Next()
		if err == io.EOF {
			// stream ended without a done frame; treat as complete
			return delivered, nil
		}
		if err != nil {
			if handle.Cancelled() {
				return delivered, context.Canceled
			}
			return delivered, err
		}

		var chunk chunkPayload
		if err := json.Unmarshal(ev.data, &chunk); err != nil {
			logging.Debug().Str("data", string(ev.data)).Msg("skipping undecodable stream frame")
			continue
		}
		if chunk.Content != "" {
			cumulative, err := r.store.AppendDelta(handle.SessionID(), handle.MessageID(), chunk.Content)
			if err != nil {
				return delivered, err
			}
			delivered = true
			r.bus.Publish(event.MessageDelta, event.MessageDeltaData{
				SessionID: handle.SessionID(),
				MessageID: handle.MessageID(),
				Content:   cumulative,
				Delta:     chunk.Content,
			})
		}
		if chunk.final() {
			return delivered, nil
		}
	}
}

// complete finalizes the assistant message and publishes the terminal
// event: message.completed on success or cancellation, message.error when
// the stream failed.
func (r *Relay) complete(handle *chat.StreamHandle, marker, reason string) {
	msg, err := r.store.CompleteMessage(handle.SessionID(), handle.MessageID(), marker)
	if err != nil {
		// session deleted mid-stream; nothing left to report against
		logging.Debug().Str("session", handle.SessionID()).Err(err).Msg("stream finished after session removal")
		return
	}
	if marker == failedMarker || marker == interruptedMarker {
		r.bus.Publish(event.MessageError, event.MessageData{Message: msg, Reason: reason})
		return
	}
	r.bus.Publish(event.MessageCompleted, event.MessageData{Message: msg, Reason: reason})
}
