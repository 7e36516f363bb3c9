package stepup

import "errors"

var (
	// ErrEngineNotReady is returned when an Engine is nil or was not built through Builder.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidScope is returned for the zero Scope or an unknown scope name.
	ErrInvalidScope = errors.New("invalid step-up scope")
	// ErrScopeReserved is returned when a caller tries to issue or challenge for LOGIN
	// outside the primary login path.
	ErrScopeReserved = errors.New("scope is reserved for primary login")
	// ErrInvalidAdmin is returned for non-positive admin identifiers.
	ErrInvalidAdmin = errors.New("invalid admin id")
	// ErrEmptySessionToken is returned when no session token is supplied.
	ErrEmptySessionToken = errors.New("empty session token")
	// ErrInvalidGrant is returned when a grant violates its structural invariants.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrEmptyTOTPSecret is returned by EnableTOTP for an empty candidate secret.
	ErrEmptyTOTPSecret = errors.New("empty totp secret")
	// ErrTOTPAlreadyEnrolled is returned by EnableTOTP when the admin already has an
	// enrolled secret and the session holds no live grant for the enrollment scope.
	ErrTOTPAlreadyEnrolled = errors.New("totp already enrolled")
	// ErrTOTPEnrollmentUnsupported is returned by EnableTOTP when no TOTPEnroller is configured.
	ErrTOTPEnrollmentUnsupported = errors.New("totp enrollment not configured")
	// ErrTOTPProvisioningUnsupported is returned by ProvisionTOTP when no provisioner is configured.
	ErrTOTPProvisioningUnsupported = errors.New("totp provisioning not configured")

	// ErrNoActiveTransaction must be returned by an AuditWriter or TOTPEnroller invoked
	// outside a transaction started by the TransactionBoundary.
	ErrNoActiveTransaction = errors.New("no active transaction")
	// ErrTransactionActive is returned by a TransactionBoundary asked to nest transactions.
	ErrTransactionActive = errors.New("transaction already active")
	// ErrTransactionFailed wraps begin and commit failures.
	ErrTransactionFailed = errors.New("step-up transaction failed")
	// ErrGrantStoreUnavailable wraps GrantRepository failures.
	ErrGrantStoreUnavailable = errors.New("grant store unavailable")
	// ErrAuditWriteFailed wraps AuditWriter failures.
	ErrAuditWriteFailed = errors.New("authoritative audit write failed")
	// ErrTOTPRateLimited is returned by an AttemptLimiter whose budget for an admin is spent.
	ErrTOTPRateLimited = errors.New("totp attempts rate limited")
	// ErrTOTPUnavailable wraps TOTPVerifier secret lookup and enrollment failures.
	ErrTOTPUnavailable = errors.New("totp backend unavailable")
)
