// Package metrics exposes the daemon's Prometheus metrics. The collector
// feeds off the event bus, so every instrumented subsystem stays decoupled
// from prometheus types.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/pkg/types"
)

const namespace = "nexus"

var serverStatuses = []types.ServerStatus{
	types.ServerStopped,
	types.ServerStarting,
	types.ServerRunning,
	types.ServerStopping,
	types.ServerFailed,
}

// Collector owns the metric registry and keeps it updated from bus events.
type Collector struct {
	registry *prometheus.Registry

	serverState      *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	deltasTotal      prometheus.Counter
	streamFailures   prometheus.Counter
	storageWarnings  prometheus.Counter
	droppedEvents    prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with a private registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		serverState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state",
			Help:      "Current server lifecycle state (1 for the active state).",
		}, []string{"status"}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "transitions_total",
			Help:      "Total lifecycle transitions by target state.",
		}, []string{"to"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total events published on the bus by type.",
		}, []string{"type"}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Total chat messages created by role.",
		}, []string{"role"}),
		deltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "stream_deltas_total",
			Help:      "Total streamed response chunks delivered.",
		}),
		streamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "stream_failures_total",
			Help:      "Total response streams that ended in an error.",
		}),
		storageWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "warnings_total",
			Help:      "Total persistence failures degraded to in-memory operation.",
		}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_events_total",
			Help:      "Total events dropped from slow subscriber buffers.",
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}

	c.setState(types.ServerStopped)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Run consumes bus events until ctx is cancelled or the bus closes.
func (c *Collector) Run(ctx context.Context, bus *event.Bus) {
	sub := bus.SubscribeBuffer(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev event.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case event.ServerStarting:
		c.setState(types.ServerStarting)
	case event.ServerReady:
		c.setState(types.ServerRunning)
	case event.ServerStopping:
		c.setState(types.ServerStopping)
	case event.ServerStopped:
		c.setState(types.ServerStopped)
	case event.ServerError:
		c.setState(types.ServerFailed)
	case event.MessageCreated:
		if data, ok := ev.Data.(event.MessageData); ok {
			c.messagesTotal.WithLabelValues(data.Message.Role).Inc()
		}
	case event.MessageDelta:
		c.deltasTotal.Inc()
	case event.MessageError:
		c.streamFailures.Inc()
	case event.StorageWarning:
		c.storageWarnings.Inc()
	case event.BusOverflow:
		if data, ok := ev.Data.(event.OverflowData); ok {
			c.droppedEvents.Add(float64(data.Dropped))
		}
	}
}

// setState flips the state gauge so exactly one status reads 1.
func (c *Collector) setState(status types.ServerStatus) {
	for _, s := range serverStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		c.serverState.WithLabelValues(string(s)).Set(v)
	}
	c.transitionsTotal.WithLabelValues(string(status)).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// Middleware instruments requests. Labels use the chi route pattern when
// available to keep cardinality bounded.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		c.httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		c.httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
