package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	connectionsTotal prometheus.Counter
	evictionsTotal   prometheus.Counter

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	agentStartsTotal  prometheus.Counter
	agentExitsTotal   *prometheus.CounterVec
	runningAgents     prometheus.Gauge
	agentStopDuration prometheus.Histogram

	runningProviders prometheus.Gauge
	providerProbes   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
	registry    *prometheus.Registry
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "quarterdeck_active_sessions",
				Help: "Currently connected client sessions.",
			}),
			connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quarterdeck_connections_total",
				Help: "Total accepted client connections.",
			}),
			evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quarterdeck_heartbeat_evictions_total",
				Help: "Sessions evicted by the heartbeat monitor.",
			}),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quarterdeck_messages_dispatched_total",
					Help: "Inbound messages dispatched by type and status.",
				},
				[]string{"type", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "quarterdeck_dispatch_duration_seconds",
					Help:    "Handler execution time by message type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
			agentStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quarterdeck_agent_starts_total",
				Help: "Total agent processes spawned.",
			}),
			agentExitsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quarterdeck_agent_exits_total",
					Help: "Agent process exits by reason.",
				},
				[]string{"reason"},
			),
			runningAgents: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "quarterdeck_running_agents",
				Help: "Agent processes currently running.",
			}),
			agentStopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "quarterdeck_agent_stop_duration_seconds",
				Help:    "Time to fully stop an agent process.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 3, 5},
			}),
			runningProviders: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "quarterdeck_running_providers",
				Help: "Tool-server processes currently running.",
			}),
			providerProbes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quarterdeck_provider_probes_total",
					Help: "Provider status probes by result.",
				},
				[]string{"result"},
			),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.activeSessions,
			m.connectionsTotal,
			m.evictionsTotal,
			m.dispatchTotal,
			m.dispatchDuration,
			m.agentStartsTotal,
			m.agentExitsTotal,
			m.runningAgents,
			m.agentStopDuration,
			m.runningProviders,
			m.providerProbes,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration; safe to call from any package init path
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the HTTP handler serving the metrics registry
func MetricsHandler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the current session count
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordConnection counts an accepted connection
func RecordConnection() {
	getMetrics().connectionsTotal.Inc()
}

// RecordEviction counts a heartbeat eviction
func RecordEviction() {
	getMetrics().evictionsTotal.Inc()
}

// RecordDispatch counts one message dispatch and its handler duration
func RecordDispatch(msgType, status string, d time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(msgType, status).Inc()
	m.dispatchDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// RecordAgentStart counts a spawned agent process
func RecordAgentStart() {
	m := getMetrics()
	m.agentStartsTotal.Inc()
	m.runningAgents.Inc()
}

// RecordAgentExit counts an agent process exit
func RecordAgentExit(reason string) {
	m := getMetrics()
	m.agentExitsTotal.WithLabelValues(reason).Inc()
	m.runningAgents.Dec()
}

// RecordAgentStop records the time taken to fully stop an agent process
func RecordAgentStop(d time.Duration) {
	getMetrics().agentStopDuration.Observe(d.Seconds())
}

// SetRunningProviders records the current live provider count
func SetRunningProviders(n int) {
	getMetrics().runningProviders.Set(float64(n))
}

// RecordProviderProbe counts one provider status probe
func RecordProviderProbe(result string) {
	getMetrics().providerProbes.WithLabelValues(result).Inc()
}
