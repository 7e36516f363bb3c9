// Package memory provides in-process implementations of the step-up engine's stores:
// grants, the transaction boundary, the authoritative audit trail, enrolled TOTP secrets,
// accepted-code replay claims and a security event recorder.
//
// The store buffers transactional writes and applies them on commit, so rollbacks are
// real. Operations can be made to fail with [Store.Fail] to exercise error paths.
//
// # What this package must NOT do
//
//   - Persist anything across process restarts.
//   - Be used where more than one process shares grant state.
package memory
