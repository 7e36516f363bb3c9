// Package stepup provides a step-up grant and session-state engine for administrative
// back-offices: it decides whether an already-authenticated admin session is currently
// authorized for a sensitive scope, and manages time-boxed, risk-bound, optionally
// single-use grants obtained through a TOTP second factor.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// stepup is the public surface. It exposes [Engine], [Builder], [Config], [Grant], [Scope]
// and the collaborator interfaces the engine consumes ([GrantRepository], [TOTPVerifier],
// [AuditWriter], [SecurityEventRecorder], [TransactionBoundary], [AttemptLimiter]). Concrete backends live in
// sub-packages:
//
//   - store/postgres: pgx-backed grants, audit trail, TOTP secrets and transactions.
//   - store/memory: in-process implementations with real rollback semantics.
//   - store/redisstore: redis stream security events and TOTP attempt limiting.
//   - totp: RFC 6238 verification and provisioning.
//   - middleware: net/http guards that enforce scopes and session state.
//   - metrics/export: Prometheus and OpenTelemetry views of engine counters.
//
// # Decisions versus failures
//
// Authorization decisions (no grant, expired, risk mismatch, consumed, invalid code, not
// enrolled) are always returned as values. Only infrastructure failures inside mutating,
// transaction-wrapped paths are returned as errors, after rollback.
//
// # What this package must NOT do
//
//   - Persist raw session tokens or raw request context strings in grant records.
//   - Let a security event recorder failure change an authorization decision.
//   - Mutate grant state outside a transaction.
package stepup
