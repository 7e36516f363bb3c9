package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/stepup"
)

// Operation names a store call for failure injection.
type Operation string

const (
	OpBegin   Operation = "begin"
	OpCommit  Operation = "commit"
	OpFind    Operation = "find"
	OpSave    Operation = "save"
	OpRevoke  Operation = "revoke"
	OpConsume Operation = "consume"
	OpAudit   Operation = "audit"
	OpEnroll  Operation = "enroll"
	OpSecret  Operation = "secret"
)

// Stats counts transaction outcomes.
type Stats struct {
	Begins    int
	Commits   int
	Rollbacks int
}

type txKey struct{}

// tx buffers writes until commit. A nil grant in grants marks a deletion.
type tx struct {
	grants  map[stepup.GrantKey]*stepup.Grant
	audit   []stepup.AuditEvent
	secrets map[int64]string
	done    bool
}

// Store is an in-process GrantRepository, TransactionBoundary, AuditWriter and TOTP
// secret store.
//
// Transactions are serialized: Begin waits until the previous transaction commits or
// rolls back, so a conditional Consume inside a transaction cannot interleave with
// another transaction's writes. Writes made outside a transaction apply immediately.
type Store struct {
	sem chan struct{}

	mu       sync.RWMutex
	grants   map[stepup.GrantKey]stepup.Grant
	audit    []stepup.AuditEvent
	secrets  map[int64]string
	failures map[Operation]error
	stats    Stats
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sem:      make(chan struct{}, 1),
		grants:   make(map[stepup.GrantKey]stepup.Grant),
		secrets:  make(map[int64]string),
		failures: make(map[Operation]error),
	}
}

// Fail makes every subsequent call of op return err. A nil err clears the failure.
func (s *Store) Fail(op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[op]
}

func txFrom(ctx context.Context) *tx {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.done {
		return nil
	}
	return t
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
	if err := s.failure(OpBegin); err != nil {
		return ctx, err
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, ctx.Err()
	}

	s.mu.Lock()
	s.stats.Begins++
	s.mu.Unlock()

	return context.WithValue(ctx, txKey{}, &tx{
		grants:  make(map[stepup.GrantKey]*stepup.Grant),
		secrets: make(map[int64]string),
	}), nil
}

// Commit applies the buffered writes atomically.
func (s *Store) Commit(ctx context.Context) error {
	t := txFrom(ctx)
	if t == nil {
		return stepup.ErrNoActiveTransaction
	}
	if err := s.failure(OpCommit); err != nil {
		s.finish(t, false)
		return err
	}
	s.finish(t, true)
	return nil
}

// Rollback discards the buffered writes.
func (s *Store) Rollback(ctx context.Context) error {
	t := txFrom(ctx)
	if t == nil {
		return stepup.ErrNoActiveTransaction
	}
	s.finish(t, false)
	return nil
}

func (s *Store) finish(t *tx, apply bool) {
	s.mu.Lock()
	if apply {
		for key, g := range t.grants {
			if g == nil {
				delete(s.grants, key)
				continue
			}
			s.grants[key] = *g
		}
		s.audit = append(s.audit, t.audit...)
		for adminID, secret := range t.secrets {
			s.secrets[adminID] = secret
		}
		s.stats.Commits++
	} else {
		s.stats.Rollbacks++
	}
	t.done = true
	s.mu.Unlock()

	<-s.sem
}

/*
====================================
GRANTS
====================================
*/

// lookup returns the grant visible to t. Caller holds s.mu.
func (s *Store) lookup(t *tx, key stepup.GrantKey) (stepup.Grant, bool) {
	if t != nil {
		if g, ok := t.grants[key]; ok {
			if g == nil {
				return stepup.Grant{}, false
			}
			return *g, true
		}
	}
	g, ok := s.grants[key]
	return g, ok
}

// Find implements stepup.GrantRepository.
func (s *Store) Find(ctx context.Context, key stepup.GrantKey) (stepup.Grant, bool, error) {
	if err := s.failure(OpFind); err != nil {
		return stepup.Grant{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.lookup(txFrom(ctx), key)
	return g, ok, nil
}

// Save implements stepup.GrantRepository. An existing grant under the same key is
// overwritten.
func (s *Store) Save(ctx context.Context, g stepup.Grant) error {
	if err := s.failure(OpSave); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := txFrom(ctx); t != nil {
		gg := g
		t.grants[g.Key()] = &gg
		return nil
	}
	s.grants[g.Key()] = g
	return nil
}

// Revoke implements stepup.GrantRepository.
func (s *Store) Revoke(ctx context.Context, key stepup.GrantKey) (bool, error) {
	if err := s.failure(OpRevoke); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := txFrom(ctx)
	if _, ok := s.lookup(t, key); !ok {
		return false, nil
	}
	if t != nil {
		t.grants[key] = nil
		return true, nil
	}
	delete(s.grants, key)
	return true, nil
}

// Consume implements stepup.GrantRepository as a compare-and-delete on IssuedAt.
func (s *Store) Consume(ctx context.Context, g stepup.Grant) (bool, error) {
	if err := s.failure(OpConsume); err != nil {
		return false, err
	}
	return s.deleteIssuance(ctx, g, true), nil
}

// RevokeIssuance implements stepup.GrantRepository. It fails with the OpRevoke error.
func (s *Store) RevokeIssuance(ctx context.Context, g stepup.Grant) (bool, error) {
	if err := s.failure(OpRevoke); err != nil {
		return false, err
	}
	return s.deleteIssuance(ctx, g, false), nil
}

func (s *Store) deleteIssuance(ctx context.Context, g stepup.Grant, singleUse bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := txFrom(ctx)
	key := g.Key()
	current, ok := s.lookup(t, key)
	if !ok || !current.IssuedAt.Equal(g.IssuedAt) || (singleUse && !current.SingleUse) {
		return false
	}
	if t != nil {
		t.grants[key] = nil
		return true
	}
	delete(s.grants, key)
	return true
}

// PurgeExpired deletes committed grants that expired at or before now and returns how
// many were removed.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, g := range s.grants {
		if g.ExpiredAt(now) {
			delete(s.grants, key)
			removed++
		}
	}
	return removed, nil
}

/*
====================================
AUDIT
====================================
*/

// Write implements stepup.AuditWriter. It requires an active transaction.
func (s *Store) Write(ctx context.Context, event stepup.AuditEvent) error {
	t := txFrom(ctx)
	if t == nil {
		return stepup.ErrNoActiveTransaction
	}
	if err := s.failure(OpAudit); err != nil {
		return err
	}
	if event.Metadata != nil {
		md := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			md[k] = v
		}
		event.Metadata = md
	}
	s.mu.Lock()
	t.audit = append(t.audit, event)
	s.mu.Unlock()
	return nil
}

/*
====================================
TOTP SECRETS
====================================
*/

// Secret returns the enrolled TOTP secret of adminID.
func (s *Store) Secret(ctx context.Context, adminID int64) (string, bool, error) {
	if err := s.failure(OpSecret); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := txFrom(ctx); t != nil {
		if secret, ok := t.secrets[adminID]; ok {
			return secret, true, nil
		}
	}
	secret, ok := s.secrets[adminID]
	return secret, ok, nil
}

// EnrollSecret implements stepup.TOTPEnroller. It requires an active transaction.
func (s *Store) EnrollSecret(ctx context.Context, adminID int64, secret string) error {
	t := txFrom(ctx)
	if t == nil {
		return stepup.ErrNoActiveTransaction
	}
	if err := s.failure(OpEnroll); err != nil {
		return err
	}
	s.mu.Lock()
	t.secrets[adminID] = secret
	s.mu.Unlock()
	return nil
}

// SetSecret enrolls secret immediately, outside any transaction.
func (s *Store) SetSecret(adminID int64, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[adminID] = secret
}

/*
====================================
INSPECTION
====================================
*/

// Grants returns the committed grants ordered by admin, session and scope.
func (s *Store) Grants() []stepup.Grant {
	s.mu.RLock()
	out := make([]stepup.Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AdminID != b.AdminID {
			return a.AdminID < b.AdminID
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.Scope.String() < b.Scope.String()
	})
	return out
}

// AuditEvents returns the committed audit trail in write order.
func (s *Store) AuditEvents() []stepup.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stepup.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

// Stats returns transaction counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
