// Package app wires the core subsystems together and exposes the command
// surface consumed by the HTTP layer and the CLI. Every mutating command
// passes the authorization gate before touching a subsystem; state reads
// and event subscription are always allowed so a UI can render.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencode-ai/nexus/internal/chat"
	"github.com/opencode-ai/nexus/internal/config"
	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/lifecycle"
	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/internal/metrics"
	"github.com/opencode-ai/nexus/internal/relay"
	"github.com/opencode-ai/nexus/internal/storage"
	"github.com/opencode-ai/nexus/internal/supervisor"
	"github.com/opencode-ai/nexus/pkg/types"
)

// Gate authorizes commands before they execute. Implementations decide
// based on the command name; the default allows everything.
type Gate interface {
	Authorize(ctx context.Context, command string) error
}

// AllowAll is the default gate.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string) error { return nil }

// Command names passed to the gate.
const (
	CmdServerStart   = "server.start"
	CmdServerStop    = "server.stop"
	CmdServerRestart = "server.restart"
	CmdSessionCreate = "session.create"
	CmdSessionDelete = "session.delete"
	CmdMessageSend   = "message.send"
	CmdStreamCancel  = "stream.cancel"
)

// App is the assembled core.
type App struct {
	cfg     *config.Config
	bus     *event.Bus
	manager *lifecycle.Manager
	store   *chat.Store
	relay   *relay.Relay
	gate    Gate
	metrics *metrics.Collector

	versionMu sync.Mutex
	version   map[string]string
	probe     func(ctx context.Context, binary string) (string, error)
}

// Option configures the App.
type Option func(*options)

type options struct {
	gate          Gate
	lifecycleOpts []lifecycle.Option
	relayOpts     []relay.Option
	versionProbe  func(ctx context.Context, binary string) (string, error)
}

// WithGate installs a command authorization gate.
func WithGate(g Gate) Option {
	return func(o *options) { o.gate = g }
}

// WithLifecycleOptions forwards options to the lifecycle manager.
func WithLifecycleOptions(opts ...lifecycle.Option) Option {
	return func(o *options) { o.lifecycleOpts = append(o.lifecycleOpts, opts...) }
}

// WithRelayOptions forwards options to the relay.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *options) { o.relayOpts = append(o.relayOpts, opts...) }
}

// WithVersionProbe replaces how the configured binary's version is read.
func WithVersionProbe(probe func(ctx context.Context, binary string) (string, error)) Option {
	return func(o *options) { o.versionProbe = probe }
}

// New assembles the core from the daemon config. Persisted sessions are
// loaded before New returns.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{gate: AllowAll{}, versionProbe: supervisor.Version}
	for _, opt := range opts {
		opt(o)
	}

	bus := event.NewBus()
	store := chat.NewStore(storage.New(cfg.DataDir), bus)
	if err := store.Load(); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	manager := lifecycle.NewManager(cfg.Server, bus, o.lifecycleOpts...)

	a := &App{
		cfg:     cfg,
		bus:     bus,
		manager: manager,
		store:   store,
		relay:   relay.New(store, bus, manager, o.relayOpts...),
		gate:    o.gate,
		metrics: metrics.NewCollector(),
		version: make(map[string]string),
		probe:   o.versionProbe,
	}
	return a, nil
}

// ServerVersion reports the configured binary's version string, probed with
// --version on first use and cached per binary path. Unknown is "".
func (a *App) ServerVersion(ctx context.Context) string {
	binary := a.manager.Config().Binary
	if binary == "" {
		return ""
	}

	a.versionMu.Lock()
	defer a.versionMu.Unlock()
	if v, ok := a.version[binary]; ok {
		return v
	}

	v, err := a.probe(ctx, binary)
	if err != nil {
		logging.Debug().Str("binary", binary).Err(err).Msg("version probe failed")
		v = ""
	}
	a.version[binary] = v
	return v
}

// Run starts background consumers and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.metrics.Run(ctx, a.bus)
}

// Close stops the supervised server and shuts the bus down.
func (a *App) Close() error {
	a.store.CancelAllStreams()
	if err := a.manager.Stop(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("server did not stop cleanly")
	}
	return a.bus.Close()
}

func (a *App) authorize(ctx context.Context, command string) error {
	if err := a.gate.Authorize(ctx, command); err != nil {
		logging.Warn().Str("command", command).Err(err).Msg("command denied")
		return fmt.Errorf("%w: %s", types.ErrUnauthorized, command)
	}
	return nil
}

// StartServer launches the supervised server.
func (a *App) StartServer(ctx context.Context) error {
	if err := a.authorize(ctx, CmdServerStart); err != nil {
		return err
	}
	return a.manager.Start(ctx)
}

// StopServer terminates the supervised server. Live response streams are
// cancelled first so none of them races the process teardown.
func (a *App) StopServer(ctx context.Context) error {
	if err := a.authorize(ctx, CmdServerStop); err != nil {
		return err
	}
	a.store.CancelAllStreams()
	return a.manager.Stop(ctx)
}

// RestartServer stops then starts the supervised server.
func (a *App) RestartServer(ctx context.Context) error {
	if err := a.authorize(ctx, CmdServerRestart); err != nil {
		return err
	}
	a.store.CancelAllStreams()
	return a.manager.Restart(ctx)
}

// ServerState reports the current lifecycle state. Never gated.
func (a *App) ServerState() types.ServerState {
	return a.manager.ServerState()
}

// SetServerConfig updates the launch config; deferred while running.
func (a *App) SetServerConfig(cfg types.ServerConfig) bool {
	return a.manager.SetConfig(cfg)
}

// CreateSession allocates a new chat session.
func (a *App) CreateSession(ctx context.Context) (types.ChatSession, error) {
	if err := a.authorize(ctx, CmdSessionCreate); err != nil {
		return types.ChatSession{}, err
	}
	return a.store.CreateSession(), nil
}

// Sessions lists all sessions.
func (a *App) Sessions() []types.ChatSession {
	return a.store.Sessions()
}

// Session returns one session snapshot.
func (a *App) Session(id string) (types.ChatSession, error) {
	return a.store.Session(id)
}

// History returns a session's message history.
func (a *App) History(sessionID string) ([]types.ChatMessage, error) {
	return a.store.History(sessionID)
}

// SendMessage records the user message and starts streaming the response.
// The returned message is the pending assistant message.
func (a *App) SendMessage(ctx context.Context, sessionID, text string) (types.ChatMessage, error) {
	if err := a.authorize(ctx, CmdMessageSend); err != nil {
		return types.ChatMessage{}, err
	}
	return a.relay.SendPrompt(ctx, sessionID, text)
}

// CancelStream aborts a session's live response stream.
func (a *App) CancelStream(ctx context.Context, sessionID string) error {
	if err := a.authorize(ctx, CmdStreamCancel); err != nil {
		return err
	}
	return a.store.CancelStream(sessionID)
}

// DeleteSession removes a session and its history.
func (a *App) DeleteSession(ctx context.Context, sessionID string) error {
	if err := a.authorize(ctx, CmdSessionDelete); err != nil {
		return err
	}
	return a.store.DeleteSession(sessionID)
}

// SubscribeEvents attaches a new bus subscription. Never gated.
func (a *App) SubscribeEvents() *event.Subscription {
	return a.bus.Subscribe()
}

// Config returns the daemon config the app was assembled from.
func (a *App) Config() *config.Config { return a.cfg }

// Bus exposes the event bus for wiring.
func (a *App) Bus() *event.Bus { return a.bus }

// Metrics exposes the metrics collector for the HTTP layer.
func (a *App) Metrics() *metrics.Collector { return a.metrics }
