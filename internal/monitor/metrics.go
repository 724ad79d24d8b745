// Package monitor aggregates pipeline throughput and latency for the status
// API and operational alerts.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics counts what flows through the pipeline.
type PipelineMetrics struct {
	ExecLatency *LatencyHistogram

	signalsReceived uint64
	signalsApproved uint64
	signalsRejected uint64
	opsEnqueued     uint64
	opsDropped      uint64
	ordersFilled    uint64
	ordersRejected  uint64
	commissions     uint64
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{ExecLatency: NewLatencyHistogram(1000)}
}

func (m *PipelineMetrics) SignalReceived() { atomic.AddUint64(&m.signalsReceived, 1) }
func (m *PipelineMetrics) SignalApproved() { atomic.AddUint64(&m.signalsApproved, 1) }
func (m *PipelineMetrics) SignalRejected() { atomic.AddUint64(&m.signalsRejected, 1) }
func (m *PipelineMetrics) OpEnqueued()     { atomic.AddUint64(&m.opsEnqueued, 1) }
func (m *PipelineMetrics) OpDropped()      { atomic.AddUint64(&m.opsDropped, 1) }
func (m *PipelineMetrics) OrderFilled()    { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *PipelineMetrics) OrderRejected()  { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *PipelineMetrics) CommissionPaid() { atomic.AddUint64(&m.commissions, 1) }

// Snapshot is the point-in-time view served by the status endpoints.
type Snapshot struct {
	SignalsReceived uint64       `json:"signals_received"`
	SignalsApproved uint64       `json:"signals_approved"`
	SignalsRejected uint64       `json:"signals_rejected"`
	OpsEnqueued     uint64       `json:"ops_enqueued"`
	OpsDropped      uint64       `json:"ops_dropped"`
	OrdersFilled    uint64       `json:"orders_filled"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	Commissions     uint64       `json:"commissions_settled"`
	ExecLatency     LatencyStats `json:"exec_latency_ms"`
	Goroutines      int          `json:"goroutines"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (m *PipelineMetrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		SignalsReceived: atomic.LoadUint64(&m.signalsReceived),
		SignalsApproved: atomic.LoadUint64(&m.signalsApproved),
		SignalsRejected: atomic.LoadUint64(&m.signalsRejected),
		OpsEnqueued:     atomic.LoadUint64(&m.opsEnqueued),
		OpsDropped:      atomic.LoadUint64(&m.opsDropped),
		OrdersFilled:    atomic.LoadUint64(&m.ordersFilled),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		Commissions:     atomic.LoadUint64(&m.commissions),
		ExecLatency:     m.ExecLatency.Stats(),
		Goroutines:      runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now().UTC(),
	}
}

// LatencyHistogram keeps a sliding window of samples and computes summary
// stats lazily.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a sample in milliseconds, evicting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats summarizes a histogram window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats recomputes only when samples changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	p95 := int(float64(n) * 0.95)
	p99 := int(float64(n) * 0.99)
	if p95 >= n {
		p95 = n - 1
	}
	if p99 >= n {
		p99 = n - 1
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[p95],
		P99:   sorted[p99],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
