// Package lifecycle owns the supervised server's state machine. All state
// transitions happen here; the supervisor only spawns and terminates, the
// health monitor only classifies probes. Start, Stop and Restart serialize
// on an operation lock, while the state itself sits behind a second mutex
// that is never held across a blocking call.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/health"
	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/internal/supervisor"
	"github.com/opencode-ai/nexus/pkg/types"
)

const (
	// DefaultReadyTimeout bounds how long Start waits for the health monitor
	// to declare the server ready.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultStopTimeout is handed to the supervisor as the graceful
	// termination window before it escalates to SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	fatalHealthReason = "health checks failed 3 times"
)

// Process is the supervisor surface the manager drives. Narrowed to an
// interface so tests can substitute a scripted process.
type Process interface {
	PID() int
	Done() <-chan struct{}
	PollExit() (*os.ProcessState, bool)
	Terminate(timeout time.Duration) error
}

// SpawnFunc starts the server process for the given config.
type SpawnFunc func(types.ServerConfig) (Process, error)

// MonitorFunc probes the server at url until ctx is cancelled or a fatal
// report is delivered.
type MonitorFunc func(ctx context.Context, url string, report func(health.Report))

// Manager supervises one server instance at a time.
type Manager struct {
	// opMu serializes whole Start/Stop/Restart operations.
	opMu sync.Mutex

	// mu guards everything below. Never held while spawning, terminating
	// or waiting.
	mu            sync.Mutex
	state         types.ServerState
	cfg           types.ServerConfig
	pending       *types.ServerConfig
	handle        Process
	monitorCancel context.CancelFunc
	gen           uint64
	readyCh       chan error

	bus          *event.Bus
	spawn        SpawnFunc
	monitor      MonitorFunc
	readyTimeout time.Duration
	stopTimeout  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawn overrides how the server process is started.
func WithSpawn(fn SpawnFunc) Option {
	return func(m *Manager) { m.spawn = fn }
}

// WithMonitor overrides the health monitor.
func WithMonitor(fn MonitorFunc) Option {
	return func(m *Manager) { m.monitor = fn }
}

// WithReadyTimeout overrides how long Start waits for readiness.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.readyTimeout = d }
}

// WithStopTimeout overrides the graceful termination window.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) { m.stopTimeout = d }
}

// NewManager creates a manager in the Stopped state.
func NewManager(cfg types.ServerConfig, bus *event.Bus, opts ...Option) *Manager {
	cfg.Normalize()
	m := &Manager{
		state: types.ServerState{Status: types.ServerStopped, ChangedAt: time.Now()},
		cfg:   cfg,
		bus:   bus,
		spawn: func(c types.ServerConfig) (Process, error) {
			return supervisor.Spawn(c)
		},
		monitor: func(ctx context.Context, url string, report func(health.Report)) {
			health.New(url).Run(ctx, report)
		},
		readyTimeout: DefaultReadyTimeout,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServerState returns a snapshot of the current state.
func (m *Manager) ServerState() types.ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the launch configuration for the next start.
func (m *Manager) Config() types.ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return *m.pending
	}
	return m.cfg
}

// SetConfig updates the launch configuration. While the server is running
// or starting the update is deferred until the next start; the return value
// reports whether it took effect immediately.
func (m *Manager) SetConfig(cfg types.ServerConfig) bool {
	cfg.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Is(types.ServerStopped) || m.state.Is(types.ServerFailed) {
		m.cfg = cfg
		m.pending = nil
		return true
	}
	m.pending = &cfg
	return false
}

// Start launches the server and blocks until it is ready, it fails, or the
// ready timeout expires. Calling Start while the server is already starting
// or running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.startLocked(ctx)
}

// Stop terminates the server gracefully, escalating to SIGKILL after the
// stop timeout. Stopping an already stopped or failed server is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx)
}

// Restart is a Stop followed by a Start, as one atomic operation.
func (m *Manager) Restart(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.stopLocked(ctx); err != nil {
		return err
	}
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Is(types.ServerStarting) || m.state.Is(types.ServerRunning) {
		m.mu.Unlock()
		return nil
	}
	if m.pending != nil {
		m.cfg = *m.pending
		m.pending = nil
	}
	cfg := m.cfg
	m.gen++
	gen := m.gen
	readyCh := make(chan error, 1)
	m.readyCh = readyCh
	m.setStateLocked(types.ServerStarting, 0, "", "")
	m.mu.Unlock()

	m.bus.Publish(event.ServerStarting, nil)

	h, err := m.spawn(cfg)
	if err != nil {
		reason := fmt.Sprintf("spawn failed: %v", err)
		m.mu.Lock()
		m.setStateLocked(types.ServerFailed, 0, "", reason)
		m.mu.Unlock()
		m.bus.Publish(event.ServerError, event.ServerErrorData{Reason: reason})
		return err
	}

	url := cfg.URL()
	monitorCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.handle = h
	m.monitorCancel = cancel
	m.state.PID = h.PID()
	m.mu.Unlock()

	m.bus.Publish(event.ServerStarted, event.ServerStartedData{PID: h.PID()})

	go m.monitor(monitorCtx, url, func(r health.Report) {
		m.onReport(gen, r, url)
	})
	go m.watchExit(gen, h)

	select {
	case err := <-readyCh:
		return err
	case <-time.After(m.readyTimeout):
		reason := fmt.Sprintf("server did not become ready within %s", m.readyTimeout)
		m.failLocked(gen, reason)
		_ = h.Terminate(m.stopTimeout)
		return fmt.Errorf("%w: %s", types.ErrUnresponsive, reason)
	case <-ctx.Done():
		m.failLocked(gen, "start cancelled")
		_ = h.Terminate(m.stopTimeout)
		return ctx.Err()
	}
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.Is(types.ServerStarting) && !m.state.Is(types.ServerRunning) {
		m.mu.Unlock()
		return nil
	}
	m.gen++ // invalidate the monitor and the exit watcher
	h := m.handle
	cancel := m.monitorCancel
	m.handle = nil
	m.monitorCancel = nil
	m.setStateLocked(types.ServerStopping, m.state.PID, "", "")
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.bus.Publish(event.ServerStopping, nil)

	if h != nil {
		if err := h.Terminate(m.stopTimeout); err != nil {
			reason := fmt.Sprintf("termination failed: %v", err)
			m.mu.Lock()
			m.setStateLocked(types.ServerFailed, 0, "", reason)
			m.mu.Unlock()
			m.bus.Publish(event.ServerError, event.ServerErrorData{Reason: reason})
			return err
		}
	}

	m.mu.Lock()
	m.setStateLocked(types.ServerStopped, 0, "", "")
	m.mu.Unlock()
	m.bus.Publish(event.ServerStopped, nil)
	return nil
}

// onReport handles one health classification. Reports from a superseded
// generation are dropped.
func (m *Manager) onReport(gen uint64, r health.Report, url string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch r {
	case health.Ready:
		m.setStateLocked(types.ServerRunning, m.state.PID, url, "")
		readyCh := m.readyCh
		m.mu.Unlock()
		m.bus.Publish(event.ServerReady, event.ServerReadyData{URL: url})
		signalReady(readyCh, nil)

	case health.Degraded:
		m.state.Reason = "health probe failed"
		m.mu.Unlock()
		m.bus.Publish(event.ServerDegraded, nil)

	case health.Restored:
		m.state.Reason = ""
		m.mu.Unlock()
		m.bus.Publish(event.ServerRestored, nil)

	case health.Fatal:
		m.gen++ // the exit watcher must not double-report
		h := m.handle
		cancel := m.monitorCancel
		m.handle = nil
		m.monitorCancel = nil
		readyCh := m.readyCh
		m.setStateLocked(types.ServerFailed, 0, "", fatalHealthReason)
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.bus.Publish(event.ServerError, event.ServerErrorData{Reason: fatalHealthReason})
		signalReady(readyCh, fmt.Errorf("%w: %s", types.ErrUnresponsive, fatalHealthReason))
		if h != nil {
			// reports must not block; reap in the background
			go func() { _ = h.Terminate(m.stopTimeout) }()
		}

	default:
		m.mu.Unlock()
	}
}

// watchExit waits for the process to exit on its own. A supervised stop
// bumps the generation first, so only unexpected exits reach the failure
// path.
func (m *Manager) watchExit(gen uint64, h Process) {
	<-h.Done()

	reason := "server exited unexpectedly"
	if ps, ok := h.PollExit(); ok && ps != nil {
		reason = fmt.Sprintf("server exited unexpectedly: %s", ps.String())
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel := m.monitorCancel
	readyCh := m.readyCh
	m.handle = nil
	m.monitorCancel = nil
	m.setStateLocked(types.ServerFailed, 0, "", reason)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.bus.Publish(event.ServerError, event.ServerErrorData{Reason: reason})
	signalReady(readyCh, fmt.Errorf("%s", reason))
}

// failLocked marks the current generation failed if it is still live. Used
// by Start's timeout and cancellation paths.
func (m *Manager) failLocked(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel := m.monitorCancel
	m.handle = nil
	m.monitorCancel = nil
	m.setStateLocked(types.ServerFailed, 0, "", reason)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.bus.Publish(event.ServerError, event.ServerErrorData{Reason: reason})
}

// setStateLocked records a transition. Callers hold mu.
func (m *Manager) setStateLocked(status types.ServerStatus, pid int, url, reason string) {
	logging.Info().
		Str("from", string(m.state.Status)).
		Str("to", string(status)).
		Str("reason", reason).
		Msg("server state changed")
	m.state = types.ServerState{
		Status:    status,
		PID:       pid,
		URL:       url,
		Reason:    reason,
		ChangedAt: time.Now(),
	}
}

func signalReady(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
