package stepup

import (
	"sync/atomic"
	"time"
)

// MetricID identifies an engine counter or histogram.
type MetricID uint16

const (
	// MetricGrantCheckAllowed counts HasGrant calls that authorized the request.
	MetricGrantCheckAllowed MetricID = iota
	// MetricGrantCheckMissing counts HasGrant calls that found no grant.
	MetricGrantCheckMissing
	// MetricGrantExpired counts HasGrant calls that found an expired grant.
	MetricGrantExpired
	// MetricRiskMismatch counts grants revoked because the request fingerprint changed.
	MetricRiskMismatch
	// MetricGrantConsumed counts single-use grants consumed by a successful check.
	MetricGrantConsumed
	// MetricGrantConsumeRaceLost counts single-use checks that lost the consumption race.
	MetricGrantConsumeRaceLost
	// MetricPrimaryGrantIssued counts LOGIN grants issued.
	MetricPrimaryGrantIssued
	// MetricScopedGrantIssued counts non-LOGIN grants issued directly.
	MetricScopedGrantIssued
	// MetricGrantRevoked counts explicit revocations.
	MetricGrantRevoked
	// MetricTOTPSuccess counts TOTP challenges that produced a grant.
	MetricTOTPSuccess
	// MetricTOTPFailure counts TOTP challenges with an invalid code.
	MetricTOTPFailure
	// MetricTOTPNotEnrolled counts TOTP challenges for admins without a secret.
	MetricTOTPNotEnrolled
	// MetricTOTPRateLimited counts TOTP challenges rejected by the attempt limiter.
	MetricTOTPRateLimited
	// MetricTOTPEnabled counts completed TOTP enrollments.
	MetricTOTPEnabled
	// MetricTOTPEnrollmentRejected counts enrollments whose confirmation code failed.
	MetricTOTPEnrollmentRejected
	// MetricTOTPReplayRejected counts valid codes rejected because they were already used.
	MetricTOTPReplayRejected
	// MetricTOTPReenrollmentDenied counts enrollments refused over an existing secret.
	MetricTOTPReenrollmentDenied
	// MetricDenialLogged counts step-up denials written to the audit trail.
	MetricDenialLogged
	// MetricSecurityEventFailed counts security events the recorder failed to store.
	MetricSecurityEventFailed
	// MetricSecurityEventDropped counts security events dropped by the async dispatcher.
	MetricSecurityEventDropped
	// MetricTransactionRollback counts transactions rolled back or failed to commit.
	MetricTransactionRollback
	// MetricHasGrantLatency is the HasGrant latency histogram.
	MetricHasGrantLatency
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

// Metrics is a fixed array of cache-line padded atomic counters indexed by MetricID.
// All methods are safe on a nil receiver.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a copy of the counters and histogram buckets at one instant.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg. Disabled metrics ignore every update.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is collected.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only MetricHasGrantLatency has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricHasGrantLatency {
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

// Snapshot copies every counter. The histogram is included only when latency is enabled.
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
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricHasGrantLatency].buckets[i])
		}
		s.Histograms[MetricHasGrantLatency] = buckets
	}

	return s
}

// bucketIndex maps d onto the upper bounds 1, 2, 5, 10, 25, 50 and 100ms, with the
// last bucket catching everything slower.
func bucketIndex(d time.Duration) int {
	us := d.Microseconds()

	switch {
	case us <= 1000:
		return 0
	case us <= 2000:
		return 1
	case us <= 5000:
		return 2
	case us <= 10000:
		return 3
	case us <= 25000:
		return 4
	case us <= 50000:
		return 5
	case us <= 100000:
		return 6
	default:
		return 7
	}
}
