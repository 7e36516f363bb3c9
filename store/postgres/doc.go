// Package postgres is the relational backend of the step-up engine: grants, the
// transaction boundary, the authoritative audit trail and enrolled TOTP secrets, on a
// pgx connection pool.
//
// A transaction started by Begin travels in the returned context; every method uses it
// when present and the pool otherwise. Schema changes ship as embedded golang-migrate
// files applied by Migrate.
package postgres
