// ABOUTME: Prometheus collectors for the gateway's HTTP and websocket traffic
// ABOUTME: Connection gauges come from presence, wait gauges from the SLA tracker

package gateway

import (
	"bufio"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/sla"
)

// metrics bundles Prometheus collectors shared across the HTTP surface.
type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	messages *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func newMetrics(reg *presence.Registry, tracker *sla.Tracker) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_http_requests_total",
				Help: "Total count of HTTP requests received.",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handoff_http_request_duration_seconds",
				Help:    "Histogram of request durations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_http_inflight_requests",
			Help: "Number of requests currently being handled.",
		}),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_ws_messages_total",
				Help: "Total websocket messages received, by side.",
			},
			[]string{"side"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_events_forwarded_total",
				Help: "Total lifecycle events forwarded to agent connections.",
			},
			[]string{"topic"},
		),
	}

	userConns := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "handoff_ws_user_connections",
			Help: "Current number of connected customers.",
		},
		func() float64 { return float64(reg.Count(presence.KindUser)) },
	)
	agentConns := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "handoff_ws_agent_connections",
			Help: "Current number of connected agents.",
		},
		func() float64 { return float64(reg.Count(presence.KindAgent)) },
	)
	activeWaits := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "handoff_sla_active_waits",
			Help: "Conversations currently waiting for a first agent reply.",
		},
		func() float64 { return float64(tracker.ActiveCount()) },
	)

	m.registry.MustRegister(m.requests, m.duration, m.inFlight, m.messages, m.events,
		userConns, agentConns, activeWaits)
	return m
}

// instrument wraps the provided handler with Prometheus counters and histograms.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		normalizedPath := sanitizePath(r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		statusLabel := strconv.Itoa(rec.status)
		labels := []string{r.Method, normalizedPath, statusLabel}

		m.requests.WithLabelValues(labels...).Inc()
		m.duration.WithLabelValues(labels...).Observe(elapsed)
	})
}

// sanitizePath reduces cardinality by collapsing long or parameterised paths.
func sanitizePath(p string) string {
	clean := path.Clean(p)
	if clean == "" || clean == "." {
		return "/"
	}

	segments := strings.Split(clean, "/")
	out := segments
	if len(segments) > 4 {
		out = append(segments[:4], "...")
	}

	res := strings.Join(out, "/")
	if !strings.HasPrefix(res, "/") {
		res = "/" + res
	}

	return res
}

// statusRecorder captures the final status code for metrics purposes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying writer so websocket upgrades work
// on instrumented routes.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
