// Package internal contains helpers that are intentionally private to stepup:
// one-way fingerprinting of session tokens and request contexts.
//
// # What this package must NOT do
//
//   - Export types that appear in the public stepup API.
//   - Be imported by any package outside the stepup module.
package internal
