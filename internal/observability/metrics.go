package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	liveSessions    prometheus.Gauge
	bufferedEvents  *prometheus.GaugeVec
	droppedEvents   *prometheus.CounterVec
	deliveredEvents *prometheus.CounterVec

	queueDepth   *prometheus.GaugeVec
	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsRunning  prometheus.Gauge

	providerCalls    *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec
	tokensTotal      *prometheus.CounterVec

	gatewayClients  prometheus.Gauge
	rpcRequests     *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranya_live_sessions",
			Help: "Number of live sessions held by the multiplexer.",
		}),
		bufferedEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ranya_buffered_events",
			Help: "Events buffered for an inactive session.",
		}, []string{"session_id"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_dropped_events_total",
			Help: "Buffered events evicted on overflow.",
		}, []string{"session_id"}),
		deliveredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_delivered_events_total",
			Help: "Events delivered to UI callbacks by kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ranya_queue_depth",
			Help: "Pending messages in a session queue.",
		}, []string{"session_id"}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_turns_total",
			Help: "Turns processed by status.",
		}, []string{"status"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ranya_turn_duration_seconds",
			Help:    "Duration of one engine turn.",
			Buckets: prometheus.DefBuckets,
		}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_jobs_started_total",
			Help: "Background jobs started by connector.",
		}, []string{"connector"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_jobs_finished_total",
			Help: "Background jobs reaching a terminal state by connector and status.",
		}, []string{"connector", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ranya_job_duration_seconds",
			Help:    "Wall-clock duration of background jobs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"connector"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranya_jobs_running",
			Help: "Background jobs currently tracked as running.",
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_provider_calls_total",
			Help: "LLM provider calls by provider and status.",
		}, []string{"provider", "status"}),
		providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ranya_provider_cooldown",
			Help: "Whether an auth profile is cooling down (1) or available (0).",
		}, []string{"profile"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"direction"}),
		gatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranya_gateway_clients",
			Help: "WebSocket clients connected to the gateway.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_gateway_rpc_requests_total",
			Help: "Gateway RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranya_gateway_events_total",
			Help: "Events written to gateway clients by event name.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.liveSessions,
		m.bufferedEvents,
		m.droppedEvents,
		m.deliveredEvents,
		m.queueDepth,
		m.turnsTotal,
		m.turnDuration,
		m.jobsStarted,
		m.jobsFinished,
		m.jobDuration,
		m.jobsRunning,
		m.providerCalls,
		m.providerCooldown,
		m.tokensTotal,
		m.gatewayClients,
		m.rpcRequests,
		m.eventsPublished,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLiveSessions(count int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(count))
}

func (m *Metrics) SetBufferedEvents(sessionID string, count int) {
	if m == nil {
		return
	}
	m.bufferedEvents.WithLabelValues(sessionID).Set(float64(count))
}

func (m *Metrics) ForgetSession(sessionID string) {
	if m == nil {
		return
	}
	m.bufferedEvents.DeleteLabelValues(sessionID)
	m.droppedEvents.DeleteLabelValues(sessionID)
	m.queueDepth.DeleteLabelValues(sessionID)
}

func (m *Metrics) RecordDroppedEvents(sessionID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.droppedEvents.WithLabelValues(sessionID).Add(float64(count))
}

func (m *Metrics) RecordDelivered(kind string) {
	if m == nil {
		return
	}
	m.deliveredEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func (m *Metrics) RecordTurn(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordJobStarted(connector string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(connector).Inc()
	m.jobsRunning.Inc()
}

func (m *Metrics) RecordJobFinished(connector, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(connector, status).Inc()
	m.jobDuration.WithLabelValues(connector).Observe(duration.Seconds())
	m.jobsRunning.Dec()
}

func (m *Metrics) RecordProviderCall(provider string, success bool) {
	if m == nil {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.providerCalls.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) SetProviderCooldown(profile string, cooling bool) {
	if m == nil {
		return
	}
	v := 0.0
	if cooling {
		v = 1
	}
	m.providerCooldown.WithLabelValues(profile).Set(v)
}

func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(input))
	m.tokensTotal.WithLabelValues("output").Add(float64(output))
}

func (m *Metrics) SetGatewayClients(count int) {
	if m == nil {
		return
	}
	m.gatewayClients.Set(float64(count))
}

// RecordRPC counts one request. outcome is "ok" or the RPC error code.
func (m *Metrics) RecordRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// RecordPublished counts deliveries of one event to clients
func (m *Metrics) RecordPublished(event string, deliveries int) {
	if m == nil || deliveries <= 0 {
		return
	}
	m.eventsPublished.WithLabelValues(event).Add(float64(deliveries))
}
