package stepup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the step-up grant and session-state engine.
//
// An Engine is safe for concurrent use once built. Every grant mutation runs inside one
// transaction together with its authoritative audit event; security events are recorded
// best-effort and never change a returned decision.
type Engine struct {
	config      Config
	grants      GrantRepository
	tx          TransactionBoundary
	audit       AuditWriter
	events      SecurityEventRecorder
	dispatcher  *securityDispatcher
	verifier    TOTPVerifier
	enroller    TOTPEnroller
	provisioner TOTPProvisioner
	limiter     AttemptLimiter
	replay      ReplayGuard
	binder      RiskBinder
	metrics     *Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// errGrantAlreadyConsumed aborts a consumption transaction that lost the race.
var errGrantAlreadyConsumed = errors.New("grant already consumed")

// errGrantAlreadyRevoked aborts a risk-mismatch revocation whose issuance is already gone.
var errGrantAlreadyRevoked = errors.New("grant already revoked")

// Close flushes the asynchronous security event dispatcher, if any.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
}

// SecurityEventsDropped reports how many security events the asynchronous dispatcher
// discarded because its buffer was full.
func (e *Engine) SecurityEventsDropped() uint64 {
	if e == nil || e.dispatcher == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() error {
	if e == nil || e.grants == nil || e.tx == nil || e.audit == nil || e.verifier == nil || e.now == nil {
		return ErrEngineNotReady
	}
	return nil
}

func validateSubject(adminID int64, sessionToken string) error {
	if adminID <= 0 {
		return ErrInvalidAdmin
	}
	if sessionToken == "" {
		return ErrEmptySessionToken
	}
	return nil
}

func validateScope(scope Scope) error {
	if !scope.Valid() {
		return ErrInvalidScope
	}
	return nil
}

// withinTx runs fn inside one transaction. Any error from fn rolls the transaction back
// and is returned joined with the rollback error, if any.
func (e *Engine) withinTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	txCtx, err := e.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}

	if err := fn(txCtx); err != nil {
		e.metricInc(MetricTransactionRollback)
		if rbErr := e.tx.Rollback(txCtx); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("step-up transaction rollback failed")
			return errors.Join(err, fmt.Errorf("%w: rollback: %w", ErrTransactionFailed, rbErr))
		}
		return err
	}

	if err := e.tx.Commit(txCtx); err != nil {
		e.metricInc(MetricTransactionRollback)
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}
	return nil
}

// newGrant applies the scope policy. Timestamps are truncated to microseconds so that
// stores with microsecond precision round-trip IssuedAt exactly.
func (e *Engine) newGrant(adminID int64, sessionID string, scope Scope, rc RequestContext) Grant {
	now := e.now().UTC().Truncate(time.Microsecond)
	policy := e.config.Grant.PolicyFor(scope)
	return Grant{
		AdminID:         adminID,
		SessionID:       sessionID,
		Scope:           scope,
		RiskContextHash: e.binder.Fingerprint(rc),
		IssuedAt:        now,
		ExpiresAt:       now.Add(policy.TTL),
		SingleUse:       policy.SingleUse && !scope.IsLogin(),
	}
}

func (e *Engine) saveGrant(ctx context.Context, g Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := e.grants.Save(ctx, g); err != nil {
		return fmt.Errorf("%w: %w", ErrGrantStoreUnavailable, err)
	}
	return nil
}

/*
====================================
SECURITY EVENTS
====================================
*/

func (e *Engine) recordSecurityEvent(
	ctx context.Context,
	kind SecurityEventKind,
	adminID int64,
	sessionID string,
	scope Scope,
	rc RequestContext,
	metadata map[string]string,
) {
	event := SecurityEvent{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		Kind:      kind,
		AdminID:   adminID,
		SessionID: sessionID,
		Scope:     scope.String(),
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Metadata:  metadata,
	}

	if e.dispatcher != nil {
		e.dispatcher.Record(ctx, event)
		return
	}
	e.deliverSecurityEvent(ctx, event)
}

func (e *Engine) deliverSecurityEvent(ctx context.Context, event SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.onSecurityEventFailure(event, fmt.Errorf("security event recorder panic: %v", r))
		}
	}()
	if err := e.events.Record(ctx, event); err != nil {
		e.onSecurityEventFailure(event, err)
	}
}

func (e *Engine) onSecurityEventFailure(event SecurityEvent, err error) {
	e.metricInc(MetricSecurityEventFailed)
	e.logger.Warn().
		Err(err).
		Str("kind", string(event.Kind)).
		Str("admin_id", strconv.FormatInt(event.AdminID, 10)).
		Str("scope", event.Scope).
		Msg("security event not recorded")
}

func (e *Engine) onSecurityEventDropped(event SecurityEvent) {
	e.metricInc(MetricSecurityEventDropped)
	e.logger.Warn().
		Str("kind", string(event.Kind)).
		Str("admin_id", strconv.FormatInt(event.AdminID, 10)).
		Msg("security event dropped: dispatcher buffer full")
}
