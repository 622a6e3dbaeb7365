package goAuthClient

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one client counter or histogram.
type MetricID uint16

const (
	// MetricRefreshStarted counts refresh calls actually sent to the server.
	MetricRefreshStarted MetricID = iota
	// MetricRefreshSuccess counts refreshes that installed a new access token.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refreshes that failed or were rejected.
	MetricRefreshFailure
	// MetricRefreshJoined counts callers that waited on an in-flight refresh.
	MetricRefreshJoined
	// MetricRefreshSkipped counts flights that found a usable token on re-check.
	MetricRefreshSkipped
	// MetricRequestPublic counts calls classified as public.
	MetricRequestPublic
	// MetricRequestProtected counts calls classified as protected.
	MetricRequestProtected
	// MetricRequestUnauthenticated counts protected calls sent without a session.
	MetricRequestUnauthenticated
	// MetricTokenAttached counts protected calls that carried a bearer token.
	MetricTokenAttached
	// MetricAuthRejected counts protected calls answered with a reject status.
	MetricAuthRejected
	// MetricSessionEstablished counts Establish calls.
	MetricSessionEstablished
	// MetricSessionRestored counts sessions recovered from persistence.
	MetricSessionRestored
	// MetricSessionTerminated counts present→absent transitions caused by
	// refresh failure or auth rejection.
	MetricSessionTerminated
	// MetricTerminationDeduplicated counts termination requests that found the
	// session already gone.
	MetricTerminationDeduplicated
	// MetricLogout counts explicit logouts.
	MetricLogout
	// MetricPersistFailure counts write-through failures.
	MetricPersistFailure
	// MetricAuditDropped counts lifecycle events the audit dispatcher could
	// not queue. The exporters render it from Client.AuditDropped so it is
	// visible even with metrics disabled.
	MetricAuditDropped
	// MetricRefreshLatency is the refresh round-trip histogram.
	MetricRefreshLatency
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

// Metrics is a fixed set of lock-free counters plus one latency histogram.
// A nil or disabled Metrics ignores every call.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all metric values. Histogram
// buckets are not cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a Metrics from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the refresh latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc describes the inc operation and its observable behavior.
//
// Inc is a no-op for unknown IDs or when metrics are disabled.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the histogram of id. Only MetricRefreshLatency has
// a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricRefreshLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot returns empty maps when metrics are disabled.
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
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricRefreshLatency].buckets[i])
		}
		s.Histograms[MetricRefreshLatency] = buckets
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

// metricsObserver feeds refresh and gate notifications into Metrics.
type metricsObserver struct {
	m *Metrics
}

func (o metricsObserver) RefreshStarted()         { o.m.Inc(MetricRefreshStarted) }
func (o metricsObserver) RefreshJoined()          { o.m.Inc(MetricRefreshJoined) }
func (o metricsObserver) RefreshSkipped()         { o.m.Inc(MetricRefreshSkipped) }
func (o metricsObserver) PublicRequest()          { o.m.Inc(MetricRequestPublic) }
func (o metricsObserver) ProtectedRequest()       { o.m.Inc(MetricRequestProtected) }
func (o metricsObserver) UnauthenticatedRequest() { o.m.Inc(MetricRequestUnauthenticated) }
func (o metricsObserver) TokenAttached()          { o.m.Inc(MetricTokenAttached) }
func (o metricsObserver) AuthRejected()           { o.m.Inc(MetricAuthRejected) }

func (o metricsObserver) RefreshSettled(err error, elapsed time.Duration) {
	if err != nil {
		o.m.Inc(MetricRefreshFailure)
	} else {
		o.m.Inc(MetricRefreshSuccess)
	}
	o.m.Observe(MetricRefreshLatency, elapsed)
}
