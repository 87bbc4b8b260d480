package tenauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricAuthorizeStarted counts pending requests created.
	MetricAuthorizeStarted MetricID = iota
	// MetricAuthorizeCompleted counts flows that reached finish.
	MetricAuthorizeCompleted
	// MetricAuthorizeDenied counts denied or failed flows.
	MetricAuthorizeDenied
	// MetricAuthorizeSuspended counts flow suspensions.
	MetricAuthorizeSuspended
	// MetricCodeIssued counts authorization codes minted.
	MetricCodeIssued
	// MetricCodeExchanged counts successful code exchanges.
	MetricCodeExchanged
	// MetricCodeRejected counts invalid, replayed, or mismatched exchanges.
	MetricCodeRejected
	// MetricRefreshSuccess counts refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refused refreshes.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts replayed refresh tokens.
	MetricRefreshReuseDetected
	// MetricIntrospection counts introspection calls.
	MetricIntrospection
	// MetricKeyStaged counts staged signing keys.
	MetricKeyStaged
	// MetricKeyPromoted counts promotions.
	MetricKeyPromoted
	// MetricKeyPromotionConflict counts lost promotion races.
	MetricKeyPromotionConflict
	// MetricNoActiveKey counts signing attempts without an active key.
	MetricNoActiveKey
	// MetricRateLimitHit counts rate-limited operations.
	MetricRateLimitHit
	// MetricBusFallback counts publishes degraded to local fan-out.
	MetricBusFallback
	// MetricAuthorizeLatency is the histogram slot for authorize duration.
	MetricAuthorizeLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds in-process atomic counters. Counters are padded to avoid
// false sharing on the hot path.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records an authorize duration into the latency histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricAuthorizeLatency {
		return
	}
	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAuthorizeLatency].buckets[i])
		}
		s.Histograms[MetricAuthorizeLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
