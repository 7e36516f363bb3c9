package stepup

import "github.com/MrEthical07/stepup/internal"

// RequestContext is the network and client identity of the request being authorized.
type RequestContext struct {
	IP        string
	UserAgent string
}

// RiskBinder fingerprints request contexts and session tokens.
//
// Both fingerprints are deterministic one-way SHA-256 hashes, so a grant can be matched
// against a later request without persisting the raw values.
type RiskBinder struct{}

// SessionID derives the persisted session identifier for a raw session token.
func (RiskBinder) SessionID(sessionToken string) string {
	return internal.HashSessionToken(sessionToken)
}

// Fingerprint returns the risk context hash of rc.
func (RiskBinder) Fingerprint(rc RequestContext) string {
	return internal.HashRiskContext(rc.IP, rc.UserAgent)
}

// Matches reports whether the stored fingerprint was issued for rc.
func (b RiskBinder) Matches(stored string, rc RequestContext) bool {
	return internal.EqualHashes(stored, b.Fingerprint(rc))
}
