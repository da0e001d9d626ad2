// Package metrics exposes the Prometheus counters and histograms the
// QC pipeline emits, following the teacher's pkg/datastorage/metrics
// cardinality-protection convention: action and mode label values are
// mapped through a sanitizer with a small, fixed output set before
// being attached to a metric, so a caller can never blow up a series
// count by passing a raw id or error string as one of those labels.
// The outcome and result labels are recorded as passed; callers pass
// the constants below.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Known, bounded label values. An unknown action or mode collapses to
// a sentinel.
const (
	ActionAutoApprove = "auto_approve"
	ActionSendToQC    = "send_to_qc"
	ActionRejectAll   = "reject_all"
	ActionUnknown     = "unknown"

	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"

	ModeCAPI    = "capi"
	ModeCATI    = "cati"
	ModeUnknown = "unknown"

	DispatchHit        = "hit"
	DispatchEmpty      = "empty"
	DispatchLeaseLost  = "lease_lost"
)

var knownActions = map[string]bool{
	ActionAutoApprove: true,
	ActionSendToQC:    true,
	ActionRejectAll:   true,
}

var knownModes = map[string]bool{
	ModeCAPI: true,
	ModeCATI: true,
}

// SanitizeAction maps a remainder-decision action to a bounded label
// value.
func SanitizeAction(action string) string {
	if knownActions[action] {
		return action
	}
	return ActionUnknown
}

// SanitizeMode maps a response mode to a bounded label value.
func SanitizeMode(mode string) string {
	if knownModes[mode] {
		return mode
	}
	return ModeUnknown
}

var (
	BatchesSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_batches_sealed_total",
		Help: "Total batches sealed (collecting -> qc_in_progress).",
	})

	SampleSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qc_sample_size",
		Help:    "Number of responses selected into a batch's sample at seal time.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	RemainderDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qc_remainder_decisions_total",
		Help: "Remainder-rule decisions, labeled by the action taken.",
	}, []string{"action"})

	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qc_verdicts_total",
		Help: "Reviewer verdicts recorded, labeled by outcome.",
	}, []string{"outcome"})

	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qc_dispatch_attempts_total",
		Help: "NextAssignment outcomes, labeled by mode and result.",
	}, []string{"mode", "result"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qc_dispatch_latency_seconds",
		Help:    "Latency of a NextAssignment call, including lease-conflict retries.",
		Buckets: prometheus.DefBuckets,
	})

	LeaseConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_lease_conflicts_total",
		Help: "Lease conditional-write conflicts observed during dispatch.",
	})

	AssignmentViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qc_assignment_view_size",
		Help: "Current row count of the Assignment View.",
	})
)

// RecordBatchSealed records a completed seal and its sample size.
func RecordBatchSealed(sampleSize int) {
	BatchesSealedTotal.Inc()
	SampleSizeHistogram.Observe(float64(sampleSize))
}

// RecordRemainderDecision records a remainder-rule action.
func RecordRemainderDecision(action string) {
	RemainderDecisionsTotal.WithLabelValues(SanitizeAction(action)).Inc()
}

// RecordVerdict records a reviewer verdict outcome.
func RecordVerdict(outcome string) {
	VerdictsTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a NextAssignment call's mode, result, and
// latency.
func RecordDispatch(mode, result string, duration time.Duration) {
	DispatchAttemptsTotal.WithLabelValues(SanitizeMode(mode), result).Inc()
	DispatchLatency.Observe(duration.Seconds())
}

// RecordLeaseConflict records one lost conditional-lease race.
func RecordLeaseConflict() {
	LeaseConflictsTotal.Inc()
}

// SetAssignmentViewSize updates the current view size gauge.
func SetAssignmentViewSize(n int) {
	AssignmentViewSize.Set(float64(n))
}
