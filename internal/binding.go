package internal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// riskSeparator joins the network origin and client identity before hashing.
const riskSeparator = "|"

// HashBindingValue returns the raw SHA-256 digest of v.
func HashBindingValue(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// HashSessionToken derives the persisted session identifier from a raw session token.
// The result is lowercase hex so it can be stored in text columns and redis keys.
func HashSessionToken(token string) string {
	sum := HashBindingValue(token)
	return hex.EncodeToString(sum[:])
}

// HashRiskContext fingerprints a request origin as hex(SHA-256(ip + "|" + userAgent)).
func HashRiskContext(ip, userAgent string) string {
	sum := HashBindingValue(ip + riskSeparator + userAgent)
	return hex.EncodeToString(sum[:])
}

// EqualHashes compares two hex fingerprints in constant time.
func EqualHashes(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
