package jianwen

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a coordinator counter or histogram.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that ended authenticated.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins rejected by the provider or the profile store.
	MetricLoginFailure
	// MetricLoginTimeout counts logins that hit the login budget.
	MetricLoginTimeout
	// MetricRegisterSuccess counts completed registrations.
	MetricRegisterSuccess
	// MetricRegisterDuplicate counts registrations refused as already registered.
	MetricRegisterDuplicate
	// MetricRegisterFailure counts other failed registrations.
	MetricRegisterFailure
	// MetricLogout counts logouts.
	MetricLogout
	// MetricLogoutProviderFailure counts provider sign-outs that failed after local state was cleared.
	MetricLogoutProviderFailure
	// MetricHydrateAuthenticated counts startups that restored a session.
	MetricHydrateAuthenticated
	// MetricHydrateLoggedOut counts startups that ended logged out.
	MetricHydrateLoggedOut
	// MetricCacheCleared counts cache purges of any reason.
	MetricCacheCleared
	// MetricProfileLoadFailure counts failed profile loads in any flow.
	MetricProfileLoadFailure
	// MetricProfileUpdateSuccess counts applied profile updates.
	MetricProfileUpdateSuccess
	// MetricProfileUpdateFailure counts rejected profile updates.
	MetricProfileUpdateFailure
	// MetricEventProcessed counts provider push events acted upon.
	MetricEventProcessed
	// MetricEventSuppressed counts provider push events ignored inside a suppression window.
	MetricEventSuppressed
	// MetricInvalidTransition counts rejected state transitions.
	MetricInvalidTransition
	// MetricLoginLatency is the login latency histogram.
	MetricLoginLatency
	// MetricHydrateLatency is the startup hydration latency histogram.
	MetricHydrateLatency
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

// Metrics holds lock-free counters and fixed-bucket histograms.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func isHistogram(id MetricID) bool {
	return id == MetricLoginLatency || id == MetricHydrateLatency
}

// NewMetrics returns Metrics configured by cfg.
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

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram id. Counter ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if !isHistogram(id) {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of the counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when enabled, every histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 2),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if isHistogram(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range []MetricID{MetricLoginLatency, MetricHydrateLatency} {
			buckets := make([]uint64, histBucketCount)
			for i := 0; i < histBucketCount; i++ {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}

	return s
}

// Buckets are tuned for network-bound auth calls, not in-process checks.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 50:
		return 0
	case ms <= 100:
		return 1
	case ms <= 250:
		return 2
	case ms <= 500:
		return 3
	case ms <= 1000:
		return 4
	case ms <= 2500:
		return 5
	case ms <= 5000:
		return 6
	default:
		return 7
	}
}
