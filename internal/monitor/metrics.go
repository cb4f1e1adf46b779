package monitor

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/gateway"

	dto "github.com/prometheus/client_model/go"
)

// SystemMetrics holds the counters and pool gauges behind the JSON snapshot.
// Latency lives only in the Prometheus histograms; see Metrics.Snapshot.
type SystemMetrics struct {
	mu sync.RWMutex

	executions   uint64
	ticks        uint64
	signals      uint64
	auditGaps    uint64
	replications uint64
	apiRequests  uint64
	apiErrors    uint64

	gatewayStats gateway.PoolStats
	riskUsers    int
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{}
}

// LatencyStats summarizes one latency histogram. Percentiles are bucket upper bounds.
type LatencyStats struct {
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

// histogramStats merges every series of the named histogram family.
func histogramStats(families []*dto.MetricFamily, name string) LatencyStats {
	var (
		count  uint64
		sum    float64
		bounds []float64
		cumul  []uint64
	)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			h := metric.GetHistogram()
			if h == nil {
				continue
			}
			count += h.GetSampleCount()
			sum += h.GetSampleSum()
			for i, b := range h.GetBucket() {
				if i == len(bounds) {
					bounds = append(bounds, b.GetUpperBound())
					cumul = append(cumul, 0)
				}
				cumul[i] += b.GetCumulativeCount()
			}
		}
	}
	if count == 0 {
		return LatencyStats{}
	}
	quantile := func(q float64) float64 {
		rank := q * float64(count)
		for i, c := range cumul {
			if float64(c) >= rank {
				return bounds[i]
			}
		}
		if len(bounds) == 0 {
			return sum / float64(count)
		}
		return bounds[len(bounds)-1]
	}
	return LatencyStats{
		Avg:   sum / float64(count),
		P50:   quantile(0.50),
		P95:   quantile(0.95),
		P99:   quantile(0.99),
		Count: count,
	}
}

func (m *SystemMetrics) incExecutions()   { atomic.AddUint64(&m.executions, 1) }
func (m *SystemMetrics) incTicks()        { atomic.AddUint64(&m.ticks, 1) }
func (m *SystemMetrics) incSignals()      { atomic.AddUint64(&m.signals, 1) }
func (m *SystemMetrics) incAuditGaps()    { atomic.AddUint64(&m.auditGaps, 1) }
func (m *SystemMetrics) incReplications() { atomic.AddUint64(&m.replications, 1) }
func (m *SystemMetrics) incAPI()          { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) incAPIErrors()    { atomic.AddUint64(&m.apiErrors, 1) }

// MetricsSnapshot is a point-in-time view served by the operator API.
type MetricsSnapshot struct {
	OrderLatency   LatencyStats      `json:"order_latency"`
	TickLatency    LatencyStats      `json:"tick_latency"`
	APILatency     LatencyStats      `json:"api_latency"`
	Executions     uint64            `json:"executions"`
	Ticks          uint64            `json:"ticks"`
	Signals        uint64            `json:"signals"`
	AuditGaps      uint64            `json:"audit_gaps"`
	Replications   uint64            `json:"replications"`
	APIRequests    uint64            `json:"api_requests"`
	APIErrors      uint64            `json:"api_errors"`
	GatewayPool    gateway.PoolStats `json:"gateway_pool"`
	RiskUsers      int               `json:"risk_users"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns the counters and gauges. Latency fields stay zero.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	riskUsers := m.riskUsers
	m.mu.RUnlock()

	return MetricsSnapshot{
		Executions:     atomic.LoadUint64(&m.executions),
		Ticks:          atomic.LoadUint64(&m.ticks),
		Signals:        atomic.LoadUint64(&m.signals),
		AuditGaps:      atomic.LoadUint64(&m.auditGaps),
		Replications:   atomic.LoadUint64(&m.replications),
		APIRequests:    atomic.LoadUint64(&m.apiRequests),
		APIErrors:      atomic.LoadUint64(&m.apiErrors),
		GatewayPool:    gwStats,
		RiskUsers:      riskUsers,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}

// SetGatewayPoolStats updates gateway pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// SetRiskUsers records how many users currently hold a risk mutex.
func (m *SystemMetrics) SetRiskUsers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskUsers = n
}

// Snapshot is GetSnapshot with latency read back from the Prometheus histograms.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := m.System.GetSnapshot()
	families, err := m.Registry.Gather()
	if err != nil {
		log.Printf("[Metrics] gather failed: %v", err)
	}
	snap.OrderLatency = histogramStats(families, orderLatencyName)
	snap.TickLatency = histogramStats(families, tickLatencyName)
	snap.APILatency = histogramStats(families, apiLatencyName)
	return snap
}
