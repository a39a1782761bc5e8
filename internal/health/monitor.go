// Package health runs the periodic connectivity probe against a spawned
// server and classifies the results with hysteresis, so a single slow probe
// does not flap the server state while genuine crashes are still detected
// within a few intervals.
package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/opencode-ai/nexus/internal/logging"
)

// Report is a classification handed to the lifecycle manager.
type Report int

const (
	// Ready: the required number of consecutive probes succeeded after spawn.
	Ready Report = iota
	// Degraded: a probe failed while the server was previously healthy.
	Degraded
	// Restored: a probe succeeded after a degraded classification.
	Restored
	// Fatal: enough consecutive probes failed; the monitor stops and hands
	// control back to the lifecycle manager.
	Fatal
)

func (r Report) String() string {
	switch r {
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Restored:
		return "restored"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 2 * time.Second
	// ReadyThreshold is the number of consecutive successes required after
	// spawn before the server counts as ready.
	ReadyThreshold = 3
	// FatalThreshold is the number of consecutive failures after which the
	// server counts as dead.
	FatalThreshold = 3
)

// Monitor probes one server instance. A monitor is single-use: Run returns
// after a fatal classification or context cancellation.
type Monitor struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the probe period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithClient overrides the HTTP client used for probes.
func WithClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// New creates a monitor for the server at baseURL.
func New(baseURL string, opts ...Option) *Monitor {
	m := &Monitor{
		url:      baseURL,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: m.interval}
	}
	return m
}

// Run probes every interval until ctx is cancelled or a Fatal report is
// produced. Reports are delivered synchronously from the probe loop, so the
// consumer must not block.
func (m *Monitor) Run(ctx context.Context, report func(Report)) {
	log := logging.Component("health")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var (
		successes int
		failures  int
		ready     bool
		degraded  bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			successes = 0
			failures++
			log.Debug().Err(err).Int("failures", failures).Msg("health probe failed")

			if ready && !degraded {
				degraded = true
				report(Degraded)
			}
			if failures >= FatalThreshold {
				report(Fatal)
				return
			}
			continue
		}

		failures = 0
		if !ready {
			successes++
			if successes >= ReadyThreshold {
				ready = true
				report(Ready)
			}
			continue
		}
		if degraded {
			degraded = false
			report(Restored)
		}
	}
}

// probe issues one lightweight connectivity check. Any HTTP response below
// 500 counts as alive; transport errors and server errors count as failures.
func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url+"/app", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "health probe: server returned " + http.StatusText(e.code)
}
