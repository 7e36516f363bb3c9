package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so queries run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// Store implements stepup.Backend, stepup.TOTPEnroller and the secret lookup used by
// totp.Verifier on top of a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Ping checks connectivity with a short timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (s *Store) db(ctx context.Context) DBTX {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

/*
====================================
TRANSACTIONS
====================================
*/

// Begin implements stepup.TransactionBoundary.
func (s *Store) Begin(ctx context.Context) (context.Context, error) {
	if txFrom(ctx) != nil {
		return ctx, stepup.ErrTransactionActive
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, tx), nil
}

// Commit implements stepup.TransactionBoundary.
func (s *Store) Commit(ctx context.Context) error {
	tx := txFrom(ctx)
	if tx == nil {
		return stepup.ErrNoActiveTransaction
	}
	return tx.Commit(ctx)
}

// Rollback implements stepup.TransactionBoundary. Rolling back a finished transaction is
// not an error.
func (s *Store) Rollback(ctx context.Context) error {
	tx := txFrom(ctx)
	if tx == nil {
		return stepup.ErrNoActiveTransaction
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

/*
====================================
GRANTS
====================================
*/

// Find implements stepup.GrantRepository.
func (s *Store) Find(ctx context.Context, key stepup.GrantKey) (stepup.Grant, bool, error) {
	row := s.db(ctx).QueryRow(ctx,
		`SELECT admin_id, session_id, scope, risk_context_hash, issued_at, expires_at, single_use
		 FROM step_up_grants
		 WHERE admin_id = $1 AND session_id = $2 AND scope = $3`,
		key.AdminID, key.SessionID, key.Scope.String())

	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return stepup.Grant{}, false, nil
	}
	if err != nil {
		return stepup.Grant{}, false, err
	}
	return g, true, nil
}

// Save implements stepup.GrantRepository as an upsert on the composite key.
func (s *Store) Save(ctx context.Context, g stepup.Grant) error {
	_, err := s.db(ctx).Exec(ctx,
		`INSERT INTO step_up_grants
		   (admin_id, session_id, scope, risk_context_hash, issued_at, expires_at, single_use)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (admin_id, session_id, scope) DO UPDATE SET
		   risk_context_hash = EXCLUDED.risk_context_hash,
		   issued_at = EXCLUDED.issued_at,
		   expires_at = EXCLUDED.expires_at,
		   single_use = EXCLUDED.single_use`,
		g.AdminID, g.SessionID, g.Scope.String(), g.RiskContextHash, g.IssuedAt, g.ExpiresAt, g.SingleUse)
	return err
}

// Revoke implements stepup.GrantRepository.
func (s *Store) Revoke(ctx context.Context, key stepup.GrantKey) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx,
		`DELETE FROM step_up_grants WHERE admin_id = $1 AND session_id = $2 AND scope = $3`,
		key.AdminID, key.SessionID, key.Scope.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Consume implements stepup.GrantRepository. The delete matches the issuance timestamp, so
// of two concurrent transactions only the first affects a row; the second re-evaluates
// after the first commits and deletes nothing.
func (s *Store) Consume(ctx context.Context, g stepup.Grant) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx,
		`DELETE FROM step_up_grants
		 WHERE admin_id = $1 AND session_id = $2 AND scope = $3
		   AND issued_at = $4 AND single_use`,
		g.AdminID, g.SessionID, g.Scope.String(), g.IssuedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeIssuance implements stepup.GrantRepository. Like Consume it matches the issuance
// timestamp, so a grant re-issued after g was read survives.
func (s *Store) RevokeIssuance(ctx context.Context, g stepup.Grant) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx,
		`DELETE FROM step_up_grants
		 WHERE admin_id = $1 AND session_id = $2 AND scope = $3 AND issued_at = $4`,
		g.AdminID, g.SessionID, g.Scope.String(), g.IssuedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired deletes grants that expired at or before now and returns how many rows
// were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM step_up_grants WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanGrant(row pgx.Row) (stepup.Grant, error) {
	var (
		g     stepup.Grant
		scope string
	)
	if err := row.Scan(&g.AdminID, &g.SessionID, &scope, &g.RiskContextHash, &g.IssuedAt, &g.ExpiresAt, &g.SingleUse); err != nil {
		return stepup.Grant{}, err
	}
	parsed, err := stepup.ParseScope(scope)
	if err != nil {
		return stepup.Grant{}, fmt.Errorf("stored grant scope %q: %w", scope, err)
	}
	g.Scope = parsed
	g.IssuedAt = g.IssuedAt.UTC()
	g.ExpiresAt = g.ExpiresAt.UTC()
	return g, nil
}

/*
====================================
AUDIT
====================================
*/

// Write implements stepup.AuditWriter. It refuses to write outside a transaction.
func (s *Store) Write(ctx context.Context, event stepup.AuditEvent) error {
	tx := txFrom(ctx)
	if tx == nil {
		return stepup.ErrNoActiveTransaction
	}

	var metadata any
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO step_up_audit_events
		   (id, occurred_at, event_type, admin_id, session_id, scope, ip, success, error_code, metadata)
		 VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::text::jsonb)`,
		event.ID, event.Timestamp, event.EventType, event.AdminID, event.SessionID,
		event.Scope, event.IP, event.Success, event.Error, metadata)
	return err
}

// AuditEvents returns the most recent audit events of adminID, newest first.
func (s *Store) AuditEvents(ctx context.Context, adminID int64, limit int) ([]stepup.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id::text, occurred_at, event_type, admin_id, session_id, scope, ip, success, error_code, metadata::text
		 FROM step_up_audit_events
		 WHERE admin_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		adminID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stepup.AuditEvent
	for rows.Next() {
		var (
			e   stepup.AuditEvent
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.AdminID, &e.SessionID, &e.Scope, &e.IP, &e.Success, &e.Error, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

/*
====================================
TOTP SECRETS
====================================
*/

// Secret returns the enrolled TOTP secret of adminID.
func (s *Store) Secret(ctx context.Context, adminID int64) (string, bool, error) {
	var secret string
	err := s.db(ctx).QueryRow(ctx, `SELECT secret FROM admin_totp_secrets WHERE admin_id = $1`, adminID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

// EnrollSecret implements stepup.TOTPEnroller. It requires an active transaction.
func (s *Store) EnrollSecret(ctx context.Context, adminID int64, secret string) error {
	tx := txFrom(ctx)
	if tx == nil {
		return stepup.ErrNoActiveTransaction
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO admin_totp_secrets (admin_id, secret, enrolled_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (admin_id) DO UPDATE SET secret = EXCLUDED.secret, enrolled_at = now()`,
		adminID, secret)
	return err
}
