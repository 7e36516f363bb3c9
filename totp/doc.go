// Package totp adapts github.com/pquerna/otp to the step-up engine: [Verifier] checks
// RFC 6238 codes against secrets held in a [SecretStore], and [Provisioner] generates
// candidate secrets with otpauth:// URIs for enrollment.
//
// Secrets are base32 strings as produced by authenticator provisioning.
package totp
