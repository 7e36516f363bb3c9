package stepup

import "time"

// GrantKey is the composite identity of a grant. At most one grant exists per key.
type GrantKey struct {
	AdminID   int64
	SessionID string
	Scope     Scope
}

// Grant is a time-boxed authorization record binding an admin, a login session and a scope.
//
// SessionID and RiskContextHash are one-way hashes; the raw session token and the raw
// request context never reach a GrantRepository.
type Grant struct {
	AdminID         int64
	SessionID       string
	Scope           Scope
	RiskContextHash string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	SingleUse       bool
}

// Key returns the composite identity of g.
func (g Grant) Key() GrantKey {
	return GrantKey{AdminID: g.AdminID, SessionID: g.SessionID, Scope: g.Scope}
}

// ExpiredAt reports whether g is no longer usable at now. A grant whose ExpiresAt equals
// now is already expired.
func (g Grant) ExpiredAt(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// Validate checks the structural invariants every persisted grant must satisfy.
func (g Grant) Validate() error {
	if g.AdminID <= 0 {
		return ErrInvalidAdmin
	}
	if g.SessionID == "" {
		return ErrEmptySessionToken
	}
	if !g.Scope.Valid() {
		return ErrInvalidScope
	}
	if g.RiskContextHash == "" {
		return ErrInvalidGrant
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return ErrInvalidGrant
	}
	return nil
}

// SessionState is the derived step-up state of a login session.
type SessionState int

const (
	// SessionPendingStepUp means no usable LOGIN grant exists for the session.
	SessionPendingStepUp SessionState = iota
	// SessionActive means a non-expired, risk-matching LOGIN grant exists.
	SessionActive
)

// String returns the canonical name used in audit metadata and API responses.
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "ACTIVE"
	case SessionPendingStepUp:
		return "PENDING_STEP_UP"
	default:
		return "UNKNOWN"
	}
}
