// Package middleware exposes net/http adapters that enforce step-up grants in front of
// sensitive admin handlers.
//
// # Guards
//
//   - [RequireStepUp]: allows the request only while the session holds a grant for a scope.
//   - [RequireSession]: allows the request only while the session is ACTIVE.
//   - [CaptureRequestContext]: attaches client IP and User-Agent to the request context.
//
// Each guard resolves the admin and raw session token through an [IdentityFunc] and the
// request fingerprint through [RequestContextOf], then delegates the decision to the
// engine.
//
// # What this package must NOT do
//
//   - Authenticate admins or parse credentials beyond reading them from the request.
//   - Touch grant storage directly (the engine owns every mutation).
//   - Let a request through when the engine returns an error.
package middleware
