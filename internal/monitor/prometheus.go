package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors and the in-process snapshot.
// All methods are safe on a nil receiver so services can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry
	System   *SystemMetrics

	executions         *prometheus.CounterVec
	auditWriteFailures prometheus.Counter
	exchangeLatency    *prometheus.HistogramVec
	ticks              *prometheus.CounterVec
	riskBlocks         *prometheus.CounterVec
	replications       *prometheus.CounterVec
	killSwitchErrors   prometheus.Counter
	apiRequests        *prometheus.CounterVec
	tickLatency        prometheus.Histogram
	apiLatency         prometheus.Histogram
}

const (
	orderLatencyName = "order_place_latency_ms"
	tickLatencyName  = "strategy_tick_latency_ms"
	apiLatencyName   = "http_request_latency_ms"
)

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		System:   NewSystemMetrics(),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Execution attempts by source, audit status and reason code",
		}, []string{"source", "status", "reason"}),
		auditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Accepted orders whose audit row could not be written",
		}),
		exchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    orderLatencyName,
			Help:    "PlaceOrder round trip in milliseconds",
			Buckets: []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 10000},
		}, []string{"exchange"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_ticks_total",
			Help: "Strategy runner ticks by outcome",
		}, []string{"status"}),
		riskBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_blocks_total",
			Help: "Ticks blocked by the risk gate or engine guards",
		}, []string{"reason"}),
		replications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copy_replications_total",
			Help: "Follower replications by result",
		}, []string{"result"}),
		killSwitchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "kill_switch_lookup_failures_total",
			Help: "Kill switch lookups that failed and were treated as on",
		}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Operator API requests by status class",
		}, []string{"code"}),
		tickLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    tickLatencyName,
			Help:    "Strategy tick duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000},
		}),
		apiLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    apiLatencyName,
			Help:    "Operator API request duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveExecution counts one audited attempt.
func (m *Metrics) ObserveExecution(source, status, reason string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(source, status, reason).Inc()
	m.System.incExecutions()
}

// ObservePlace records PlaceOrder latency.
func (m *Metrics) ObservePlace(exchange string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchangeLatency.WithLabelValues(exchange).Observe(ms(d))
}

// AuditWriteFailed counts an audit gap.
func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
	m.System.incAuditGaps()
}

// ObserveTick counts a runner tick and its latency.
func (m *Metrics) ObserveTick(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(status).Inc()
	m.System.incTicks()
	m.tickLatency.Observe(ms(d))
}

// ObserveSignal counts an engine signal.
func (m *Metrics) ObserveSignal() {
	if m == nil {
		return
	}
	m.System.incSignals()
}

// ObserveRiskBlock counts a blocked tick by reason.
func (m *Metrics) ObserveRiskBlock(reason string) {
	if m == nil {
		return
	}
	m.riskBlocks.WithLabelValues(reason).Inc()
}

// ObserveReplication counts one follower outcome.
func (m *Metrics) ObserveReplication(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
		m.System.incReplications()
	}
	m.replications.WithLabelValues(result).Inc()
}

// KillSwitchLookupFailed counts a fail-closed kill switch read.
func (m *Metrics) KillSwitchLookupFailed() {
	if m == nil {
		return
	}
	m.killSwitchErrors.Inc()
}

// ObserveAPI counts one operator API request.
func (m *Metrics) ObserveAPI(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
	m.System.incAPI()
	if status >= 400 {
		m.System.incAPIErrors()
	}
	m.apiLatency.Observe(ms(d))
}

func ms(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
