package stepup

import (
	"context"
	"time"
)

// GrantRepository persists grants keyed by (admin, session, scope).
//
// Implementations must honour a transaction carried in ctx by the configured
// TransactionBoundary: writes made inside Begin/Commit become visible atomically with the
// audit events written in the same transaction, and disappear on Rollback.
type GrantRepository interface {
	// Find returns the grant stored under key. The boolean is false when no grant exists;
	// a non-nil error always means an infrastructure failure.
	Find(ctx context.Context, key GrantKey) (Grant, bool, error)
	// Save inserts g, overwriting any stale grant with the same key.
	Save(ctx context.Context, g Grant) error
	// Revoke deletes the grant under key and reports whether a row was removed.
	Revoke(ctx context.Context, key GrantKey) (bool, error)
	// Consume atomically deletes g only if the stored grant under g.Key() is still the
	// same single-use issuance (matching IssuedAt). It reports false when a concurrent
	// caller consumed or replaced it first.
	Consume(ctx context.Context, g Grant) (bool, error)
	// RevokeIssuance deletes the grant under g.Key() only if it is still the issuance g
	// (matching IssuedAt), single-use or not. It reports false when the grant was already
	// removed or replaced by a newer issuance.
	RevokeIssuance(ctx context.Context, g Grant) (bool, error)
}

// TOTPVerifier retrieves enrolled TOTP secrets and checks one-time codes against them.
type TOTPVerifier interface {
	// RetrieveSecret returns the enrolled secret for adminID; false means not enrolled.
	RetrieveSecret(ctx context.Context, adminID int64) (string, bool, error)
	// Verify reports whether code is currently valid for secret.
	Verify(secret, code string) bool
}

// TOTPEnroller persists a verified candidate secret as the admin's enrolled secret.
// EnrollSecret is always invoked inside an engine transaction.
type TOTPEnroller interface {
	EnrollSecret(ctx context.Context, adminID int64, secret string) error
}

// TOTPProvisioner generates candidate secrets for enrollment.
type TOTPProvisioner interface {
	Provision(accountName string) (*TOTPProvision, error)
}

// AuditWriter is the authoritative, transaction-scoped audit trail.
// Write must return ErrNoActiveTransaction when ctx carries no active transaction.
type AuditWriter interface {
	Write(ctx context.Context, event AuditEvent) error
}

// SecurityEventRecorder is the best-effort sink for denials and anomalies. It never
// participates in engine transactions, and its failures never reach engine callers.
type SecurityEventRecorder interface {
	Record(ctx context.Context, event SecurityEvent) error
}

// TransactionBoundary opens, commits and rolls back the transaction that wraps every
// grant mutation. The transaction travels in the context returned by Begin.
type TransactionBoundary interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AttemptLimiter throttles TOTP verification attempts per admin.
// Check returns ErrTOTPRateLimited once the budget is spent.
type AttemptLimiter interface {
	Check(ctx context.Context, adminID int64) error
	RecordFailure(ctx context.Context, adminID int64) error
	Reset(ctx context.Context, adminID int64) error
}

// ReplayGuard remembers accepted TOTP codes. Claim reports false when code was already
// claimed for adminID and has not yet expired; a claim is kept for ttl.
type ReplayGuard interface {
	Claim(ctx context.Context, adminID int64, code string, ttl time.Duration) (bool, error)
}

// AuditEvent is one entry of the authoritative audit trail.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	AdminID   int64             `json:"admin_id"`
	SessionID string            `json:"session_id,omitempty"`
	Scope     string            `json:"scope,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SecurityEventKind classifies best-effort security events.
type SecurityEventKind string

const (
	// SecurityEventNotEnrolled is recorded when a TOTP challenge targets an admin without a secret.
	SecurityEventNotEnrolled SecurityEventKind = "NOT_ENROLLED"
	// SecurityEventInvalidCode is recorded when a submitted TOTP code does not verify.
	SecurityEventInvalidCode SecurityEventKind = "INVALID_CODE"
	// SecurityEventRiskMismatch is recorded when a grant is presented from a different context.
	SecurityEventRiskMismatch SecurityEventKind = "RISK_MISMATCH"
	// SecurityEventRateLimited is recorded when the TOTP attempt budget is spent.
	SecurityEventRateLimited SecurityEventKind = "RATE_LIMITED"
)

// SecurityEvent is a non-authoritative record of a denial or anomaly.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      SecurityEventKind `json:"kind"`
	AdminID   int64             `json:"admin_id"`
	SessionID string            `json:"session_id,omitempty"`
	Scope     string            `json:"scope,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// VerificationOutcome tags the result of a TOTP challenge.
type VerificationOutcome int

const (
	// VerificationSucceeded means the code verified and a grant was persisted.
	VerificationSucceeded VerificationOutcome = iota
	// VerificationNotEnrolled means the admin has no enrolled TOTP secret.
	VerificationNotEnrolled
	// VerificationInvalidCode means the submitted code did not verify.
	VerificationInvalidCode
	// VerificationRateLimited means the attempt limiter rejected the challenge.
	VerificationRateLimited
)

// String returns a stable identifier for logs and API payloads.
func (o VerificationOutcome) String() string {
	switch o {
	case VerificationSucceeded:
		return "success"
	case VerificationNotEnrolled:
		return "not_enrolled"
	case VerificationInvalidCode:
		return "invalid_code"
	case VerificationRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

const (
	reasonNotEnrolled = "TOTP not enrolled"
	reasonInvalidCode = "Invalid code"
	reasonRateLimited = "Too many attempts"
)

// VerificationResult is the tagged outcome of VerifyTOTP. Grant is set only on success.
type VerificationResult struct {
	Outcome VerificationOutcome
	Reason  string
	Grant   *Grant
}

// Succeeded reports whether the challenge produced a grant.
func (r VerificationResult) Succeeded() bool {
	return r.Outcome == VerificationSucceeded
}

// TOTPProvision is a candidate secret and its otpauth:// URI for authenticator apps.
type TOTPProvision struct {
	Secret string
	URI    string
}
