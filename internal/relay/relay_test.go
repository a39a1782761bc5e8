package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/nexus/internal/chat"
	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/storage"
	"github.com/opencode-ai/nexus/pkg/types"
)

type staticSource struct {
	state types.ServerState
}

func (s *staticSource) ServerState() types.ServerState { return s.state }

// fakeUpstream mimics the server's session surface: prompts are accepted
// only for ids minted by POST /session and only with a parts-style body.
// The configured respond func writes the stream for accepted prompts.
type fakeUpstream struct {
	srv     *httptest.Server
	respond http.HandlerFunc

	mu         sync.Mutex
	nextID     int
	known      map[string]bool
	creates    int
	promptPath string
	promptText string
}

func newFakeUpstream(t *testing.T, respond http.HandlerFunc) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{respond: respond, known: make(map[string]bool)}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		u.mu.Lock()
		u.nextID++
		u.creates++
		id := fmt.Sprintf("srv-%d", u.nextID)
		u.known[id] = true
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q}`, id)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/session/") && strings.HasSuffix(r.URL.Path, "/prompt"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/session/"), "/prompt")
		u.mu.Lock()
		known := u.known[id]
		u.mu.Unlock()
		if !known {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"Session not found"}`)
			return
		}
		var body struct {
			Parts []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"parts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Parts) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.promptPath = r.URL.Path
		u.promptText = body.Parts[0].Text
		u.mu.Unlock()
		u.respond(w, r)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// sessionCreates reports how many sessions POST /session has minted.
func (u *fakeUpstream) sessionCreates() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.creates
}

// forgetSessions drops every registered session, as a server restart would.
func (u *fakeUpstream) forgetSessions() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.known = make(map[string]bool)
}

func (u *fakeUpstream) lastPrompt() (path, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.promptPath, u.promptText
}

type fixture struct {
	store  *chat.Store
	bus    *event.Bus
	sub    *event.Subscription
	source *staticSource
	relay  *Relay
}

func newFixture(t *testing.T, serverURL string) *fixture {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{
		store: chat.NewStore(storage.New(t.TempDir()), bus),
		bus:   bus,
		sub:   bus.SubscribeBuffer(256),
		source: &staticSource{state: types.ServerState{
			Status: types.ServerRunning,
			URL:    serverURL,
		}},
	}
	f.relay = New(f.store, bus, f.source, WithInitialBackoff(5*time.Millisecond))
	return f
}

// waitFor reads bus events until one matches, failing the test on timeout.
func (f *fixture) waitFor(t *testing.T, want event.EventType) event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-f.sub.Events():
			if !ok {
				t.Fatalf("bus closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func sseFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fl := w.(http.Flusher)
	for _, frame := range frames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
		fl.Flush()
	}
}

func TestSendPromptRequiresRunningServer(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	f.source.state.Status = types.ServerStopped
	sess := f.store.CreateSession()

	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "hi")
	assert.ErrorIs(t, err, types.ErrServerNotReady)

	// the user message must not have been recorded
	history, err := f.store.History(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendPromptUnknownSession(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")

	_, err := f.relay.SendPrompt(testContext(t), "missing", "hi")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestStreamDeliversDeltas(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w,
			`{"content":"Hel","is_chunk":true}`,
			`{"content":"lo","is_chunk":true}`,
			`{"content":"","is_chunk":false}`,
		)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()

	msg, err := f.relay.SendPrompt(testContext(t), sess.ID, "greet me")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, msg.Role)

	done := f.waitFor(t, event.MessageCompleted)
	final := done.Data.(event.MessageData).Message
	assert.Equal(t, "Hello", final.Content)
	assert.True(t, final.Complete)

	history, err := f.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "greet me", history[0].Content)
	assert.Equal(t, "Hello", history[1].Content)
}

func TestPromptRegistersUpstreamSession(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"hi","is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "hello there")
	require.NoError(t, err)
	f.waitFor(t, event.MessageCompleted)

	assert.Equal(t, 1, u.sessionCreates())
	path, text := u.lastPrompt()
	assert.Equal(t, "/session/srv-1/prompt", path)
	assert.Equal(t, "hello there", text)
}

func TestUpstreamSessionReusedAcrossPrompts(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"ok","is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()

	for _, prompt := range []string{"first", "second"} {
		_, err := f.relay.SendPrompt(testContext(t), sess.ID, prompt)
		require.NoError(t, err)
		f.waitFor(t, event.MessageCompleted)
	}

	assert.Equal(t, 1, u.sessionCreates())
}

func TestUpstreamSessionRecreatedAfterServerForgets(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"back","is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()

	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "before restart")
	require.NoError(t, err)
	f.waitFor(t, event.MessageCompleted)

	// the server restarted and lost its sessions; the old id now 404s
	u.forgetSessions()

	_, err = f.relay.SendPrompt(testContext(t), sess.ID, "after restart")
	require.NoError(t, err)
	done := f.waitFor(t, event.MessageCompleted)
	assert.Equal(t, "back", done.Data.(event.MessageData).Message.Content)

	assert.Equal(t, 2, u.sessionCreates())
	path, _ := u.lastPrompt()
	assert.Equal(t, "/session/srv-2/prompt", path)
}

func TestConcurrentSendPromptLeavesNoOrphanMessage(t *testing.T) {
	release := make(chan struct{})
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"busy","is_chunk":true}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		sseFrames(w, `{"content":"","is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()

	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "hold the line")
	require.NoError(t, err)
	f.waitFor(t, event.MessageDelta)

	_, err = f.relay.SendPrompt(testContext(t), sess.ID, "jumped the queue")
	assert.ErrorIs(t, err, types.ErrStreamInProgress)

	// the losing prompt must not leave its user message behind
	history, err := f.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hold the line", history[0].Content)

	close(release)
	f.waitFor(t, event.MessageCompleted)
}

func TestStreamDeltaEventsCarryCumulativeContent(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"a"}`, `{"content":"b"}`, `{"content":"c","is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "count")
	require.NoError(t, err)

	var cumulative []string
	deadline := time.After(5 * time.Second)
	for len(cumulative) < 3 {
		select {
		case ev := <-f.sub.Events():
			if ev.Type == event.MessageDelta {
				cumulative = append(cumulative, ev.Data.(event.MessageDeltaData).Content)
			}
		case <-deadline:
			t.Fatal("timed out collecting deltas")
		}
	}
	assert.Equal(t, []string{"a", "ab", "abc"}, cumulative)
}

func TestStreamFrameSplitAcrossChunks(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		// one frame delivered in two transport writes
		fmt.Fprint(w, `data: {"content":"spl`)
		fl.Flush()
		fmt.Fprint(w, "it\"}\n\n")
		fl.Flush()
		fmt.Fprint(w, "data: {\"done\":true}\n\n")
		fl.Flush()
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "go")
	require.NoError(t, err)

	done := f.waitFor(t, event.MessageCompleted)
	assert.Equal(t, "split", done.Data.(event.MessageData).Message.Content)
}

func TestStreamRetriesBeforeFirstByte(t *testing.T) {
	var attempts atomic.Int32
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sseFrames(w, `{"content":"eventually"}`, `{"is_chunk":false}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "retry")
	require.NoError(t, err)

	done := f.waitFor(t, event.MessageCompleted)
	assert.Equal(t, "eventually", done.Data.(event.MessageData).Message.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestStreamFailsAfterRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "doomed")
	require.NoError(t, err)

	failed := f.waitFor(t, event.MessageError)
	data := failed.Data.(event.MessageData)
	assert.Equal(t, failedMarker, data.Message.Content)
	assert.True(t, data.Message.Complete)
	assert.Contains(t, data.Reason, "status 500")
	assert.Equal(t, int32(3), attempts.Load())

	// the stream slot is free again
	assert.Nil(t, f.store.ActiveStream(sess.ID))
}

func TestStreamNoRestartAfterPartialDelivery(t *testing.T) {
	var attempts atomic.Int32
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"partial answer\"}\n\n")
		fl.Flush()
		// truncated frame, then the handler returns and the body ends
		fmt.Fprint(w, "data: {\"cont")
		fl.Flush()
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "half")
	require.NoError(t, err)

	failed := f.waitFor(t, event.MessageError)
	data := failed.Data.(event.MessageData)
	assert.Equal(t, "partial answer"+interruptedMarker, data.Message.Content)
	assert.True(t, data.Message.Complete)
	assert.Equal(t, int32(1), attempts.Load(), "a partially delivered stream must not restart")
}

func TestStreamCancellationKeepsPartialContent(t *testing.T) {
	firstChunk := make(chan struct{})
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"so far\"}\n\n")
		fl.Flush()
		close(firstChunk)
		// keep the stream open until the client gives up
		<-r.Context().Done()
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "stop me")
	require.NoError(t, err)

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never delivered")
	}
	f.waitFor(t, event.MessageDelta)

	require.NoError(t, f.store.CancelStream(sess.ID))

	done := f.waitFor(t, event.MessageCompleted)
	data := done.Data.(event.MessageData)
	assert.Equal(t, "so far", data.Message.Content)
	assert.True(t, data.Message.Complete)
	assert.Equal(t, "cancelled", data.Reason)
	assert.Nil(t, f.store.ActiveStream(sess.ID))
}

func TestStreamEndWithoutDoneFrameCompletes(t *testing.T) {
	u := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrames(w, `{"content":"all of it"}`)
	})

	f := newFixture(t, u.srv.URL)
	sess := f.store.CreateSession()
	_, err := f.relay.SendPrompt(testContext(t), sess.ID, "eof")
	require.NoError(t, err)

	done := f.waitFor(t, event.MessageCompleted)
	assert.Equal(t, "all of it", done.Data.(event.MessageData).Message.Content)
}
