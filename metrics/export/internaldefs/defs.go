package internaldefs

import (
	"github.com/MrEthical07/stepup"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   stepup.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   stepup.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: stepup.MetricGrantCheckAllowed, Name: "stepup_grant_check_allowed_total", Help: "Grant checks that authorized the request."},
	{ID: stepup.MetricGrantCheckMissing, Name: "stepup_grant_check_missing_total", Help: "Grant checks that found no grant."},
	{ID: stepup.MetricGrantExpired, Name: "stepup_grant_expired_total", Help: "Grant checks that found an expired grant."},
	{ID: stepup.MetricRiskMismatch, Name: "stepup_risk_mismatch_total", Help: "Grants revoked after a risk context mismatch."},
	{ID: stepup.MetricGrantConsumed, Name: "stepup_grant_consumed_total", Help: "Single-use grants consumed."},
	{ID: stepup.MetricGrantConsumeRaceLost, Name: "stepup_grant_consume_race_lost_total", Help: "Single-use checks that found the grant already consumed."},
	{ID: stepup.MetricPrimaryGrantIssued, Name: "stepup_primary_grant_issued_total", Help: "LOGIN grants issued."},
	{ID: stepup.MetricScopedGrantIssued, Name: "stepup_scoped_grant_issued_total", Help: "Scoped grants issued without a TOTP challenge."},
	{ID: stepup.MetricGrantRevoked, Name: "stepup_grant_revoked_total", Help: "Explicit grant revocations."},
	{ID: stepup.MetricTOTPSuccess, Name: "stepup_totp_success_total", Help: "TOTP challenges that produced a grant."},
	{ID: stepup.MetricTOTPFailure, Name: "stepup_totp_failure_total", Help: "TOTP challenges with an invalid code."},
	{ID: stepup.MetricTOTPNotEnrolled, Name: "stepup_totp_not_enrolled_total", Help: "TOTP challenges for admins without an enrolled secret."},
	{ID: stepup.MetricTOTPRateLimited, Name: "stepup_totp_rate_limited_total", Help: "TOTP challenges rejected by the attempt limiter."},
	{ID: stepup.MetricTOTPEnabled, Name: "stepup_totp_enabled_total", Help: "Completed TOTP enrollments."},
	{ID: stepup.MetricTOTPEnrollmentRejected, Name: "stepup_totp_enrollment_rejected_total", Help: "TOTP enrollments rejected for a wrong confirmation code."},
	{ID: stepup.MetricTOTPReplayRejected, Name: "stepup_totp_replay_rejected_total", Help: "Valid TOTP codes rejected as replays."},
	{ID: stepup.MetricTOTPReenrollmentDenied, Name: "stepup_totp_reenrollment_denied_total", Help: "TOTP enrollments refused because a secret was already enrolled."},
	{ID: stepup.MetricDenialLogged, Name: "stepup_denial_logged_total", Help: "Step-up denials written to the audit trail."},
	{ID: stepup.MetricSecurityEventFailed, Name: "stepup_security_event_failed_total", Help: "Security events the recorder failed to store."},
	{ID: stepup.MetricSecurityEventDropped, Name: "stepup_security_event_dropped_total", Help: "Security events dropped by the async dispatcher."},
	{ID: stepup.MetricTransactionRollback, Name: "stepup_transaction_rollback_total", Help: "Grant transactions rolled back or failed to commit."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: stepup.MetricHasGrantLatency, Name: "stepup_has_grant_latency_seconds", Help: "HasGrant latency histogram."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine histogram buckets.
var HistogramBounds = []string{
	"0.001",
	"0.002",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds made safe for metric names.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_002",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
