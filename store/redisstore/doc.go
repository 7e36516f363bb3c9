// Package redisstore holds the redis-backed pieces of the step-up engine that tolerate
// loss: the TOTP attempt limiter, the accepted-code replay guard and a stream recorder for
// best-effort security events.
//
// Nothing here participates in engine transactions. Grants and the authoritative audit
// trail live in a relational store such as store/postgres.
package redisstore
