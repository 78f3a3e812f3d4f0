// Package metrics exposes a dedicated Prometheus registry for the broker,
// separate from the default global registry so the process never
// accidentally publishes Go runtime metrics twice if embedded elsewhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the broker's private Prometheus registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SessionMetrics tracks session lifecycle and command-execution counters.
type SessionMetrics struct {
	SessionsActive      prometheus.Gauge
	SessionOperations    *prometheus.CounterVec
	CommandsTotal        *prometheus.CounterVec
	CommandDuration      prometheus.Histogram
}

// NewSessionMetrics registers and returns the broker's metric set. Calling
// it more than once would panic on duplicate registration, so it is called
// exactly once at process start (see cmd/sshmcpd).
func NewSessionMetrics() *SessionMetrics {
	m := &SessionMetrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sshbroker_session_active_total",
			Help: "Number of currently connected SSH sessions.",
		}),
		SessionOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshbroker_session_operations_total",
			Help: "Session lifecycle operations by kind.",
		}, []string{"operation"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshbroker_command_total",
			Help: "Commands submitted to ssh_run by policy decision.",
		}, []string{"decision"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sshbroker_command_duration_seconds",
			Help:    "Wall-clock duration of ssh_run executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	Registry.MustRegister(m.SessionsActive, m.SessionOperations, m.CommandsTotal, m.CommandDuration)
	return m
}
