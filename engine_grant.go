package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HasGrant reports whether scope is currently granted to the session.
//
// The stored grant is checked in order: missing or expired grants deny without side
// effects; a grant presented from a different risk context is revoked and audited in one
// transaction and denies; a single-use grant is atomically consumed and audited and
// allows exactly once; a reusable grant allows without mutation.
//
// Decisions are returned as values. An error means the repository, audit writer or
// transaction failed.
func (e *Engine) HasGrant(ctx context.Context, adminID int64, sessionToken string, scope Scope, rc RequestContext) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return false, err
	}
	if err := validateScope(scope); err != nil {
		return false, err
	}

	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricHasGrantLatency, time.Since(start))
		}()
	}

	key := GrantKey{AdminID: adminID, SessionID: e.binder.SessionID(sessionToken), Scope: scope}
	grant, found, err := e.grants.Find(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrGrantStoreUnavailable, err)
	}
	if !found {
		e.metricInc(MetricGrantCheckMissing)
		return false, nil
	}

	if grant.ExpiredAt(e.now()) {
		e.metricInc(MetricGrantExpired)
		return false, nil
	}

	if !e.binder.Matches(grant.RiskContextHash, rc) {
		if err := e.revokeOnRiskMismatch(ctx, grant, rc); err != nil {
			return false, err
		}
		return false, nil
	}

	if !grant.SingleUse {
		e.metricInc(MetricGrantCheckAllowed)
		return true, nil
	}

	return e.consumeGrant(ctx, grant, rc)
}

// revokeOnRiskMismatch deletes the mismatched issuance only. A concurrent check that
// revoked it first, or a fresh grant saved under the same key, leaves nothing to audit.
func (e *Engine) revokeOnRiskMismatch(ctx context.Context, grant Grant, rc RequestContext) error {
	key := grant.Key()
	current := e.binder.Fingerprint(rc)

	err := e.withinTx(ctx, func(txCtx context.Context) error {
		revoked, err := e.grants.RevokeIssuance(txCtx, grant)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGrantStoreUnavailable, err)
		}
		if !revoked {
			return errGrantAlreadyRevoked
		}
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventRiskMismatch, false, key, rc, errRiskMismatch, map[string]string{
			"stored_risk_hash":  grant.RiskContextHash,
			"current_risk_hash": current,
			"issued_at":         grant.IssuedAt.Format(time.RFC3339Nano),
		}))
	})
	if errors.Is(err, errGrantAlreadyRevoked) {
		e.logger.Debug().
			Int64("admin_id", key.AdminID).
			Str("scope", key.Scope.String()).
			Msg("mismatched grant already revoked")
		return nil
	}
	if err != nil {
		return err
	}

	e.metricInc(MetricRiskMismatch)
	e.logger.Warn().
		Int64("admin_id", key.AdminID).
		Str("scope", key.Scope.String()).
		Msg("step-up grant revoked on risk context mismatch")

	// Recorded after commit on the caller's context: the recorder never joins the transaction.
	e.recordSecurityEvent(ctx, SecurityEventRiskMismatch, key.AdminID, key.SessionID, key.Scope, rc, map[string]string{
		"stored_risk_hash":  grant.RiskContextHash,
		"current_risk_hash": current,
	})
	return nil
}

// consumeGrant deletes a single-use grant only if it is still the stored issuance. A
// concurrent caller that consumed it first makes this call deny.
func (e *Engine) consumeGrant(ctx context.Context, grant Grant, rc RequestContext) (bool, error) {
	err := e.withinTx(ctx, func(txCtx context.Context) error {
		consumed, err := e.grants.Consume(txCtx, grant)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGrantStoreUnavailable, err)
		}
		if !consumed {
			return errGrantAlreadyConsumed
		}
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventConsumed, true, grant.Key(), rc, nil, map[string]string{
			"issued_at": grant.IssuedAt.Format(time.RFC3339Nano),
		}))
	})
	if errors.Is(err, errGrantAlreadyConsumed) {
		e.metricInc(MetricGrantConsumeRaceLost)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.metricInc(MetricGrantConsumed)
	e.metricInc(MetricGrantCheckAllowed)
	return true, nil
}

// IssuePrimaryGrant records a successful primary login by issuing a reusable LOGIN grant
// bound to rc, with the LOGIN TTL of the grant policy.
func (e *Engine) IssuePrimaryGrant(ctx context.Context, adminID int64, sessionToken string, rc RequestContext) error {
	if err := e.issue(ctx, adminID, sessionToken, ScopeLogin, rc, auditEventPrimaryIssued); err != nil {
		return err
	}
	e.metricInc(MetricPrimaryGrantIssued)
	return nil
}

// IssueScopedGrant pre-authorizes a non-LOGIN scope without a TOTP challenge, for example
// right after enrollment. LOGIN returns ErrScopeReserved.
func (e *Engine) IssueScopedGrant(ctx context.Context, adminID int64, sessionToken string, scope Scope, rc RequestContext) error {
	if scope.IsLogin() {
		return ErrScopeReserved
	}
	if err := e.issue(ctx, adminID, sessionToken, scope, rc, auditEventScopedIssued); err != nil {
		return err
	}
	e.metricInc(MetricScopedGrantIssued)
	return nil
}

func (e *Engine) issue(ctx context.Context, adminID int64, sessionToken string, scope Scope, rc RequestContext, eventType string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return err
	}
	if err := validateScope(scope); err != nil {
		return err
	}

	grant := e.newGrant(adminID, e.binder.SessionID(sessionToken), scope, rc)
	return e.withinTx(ctx, func(txCtx context.Context) error {
		if err := e.saveGrant(txCtx, grant); err != nil {
			return err
		}
		return e.writeAudit(txCtx, e.newAuditEvent(eventType, true, grant.Key(), rc, nil, grantMetadata(grant)))
	})
}

// GetSessionState returns SessionActive iff a non-expired, risk-matching LOGIN grant
// exists for the session. It applies the same rules as HasGrant, including revocation on
// risk mismatch. Callers use either GetSessionState or HasGrant(ScopeLogin) per request.
func (e *Engine) GetSessionState(ctx context.Context, adminID int64, sessionToken string, rc RequestContext) (SessionState, error) {
	ok, err := e.HasGrant(ctx, adminID, sessionToken, ScopeLogin, rc)
	if err != nil {
		return SessionPendingStepUp, err
	}
	if !ok {
		return SessionPendingStepUp, nil
	}
	return SessionActive, nil
}

// RevokeGrant deletes the grant for scope, if any, and audits the revocation in the same
// transaction. It reports whether a grant was removed.
func (e *Engine) RevokeGrant(ctx context.Context, adminID int64, sessionToken string, scope Scope) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return false, err
	}
	if err := validateScope(scope); err != nil {
		return false, err
	}

	key := GrantKey{AdminID: adminID, SessionID: e.binder.SessionID(sessionToken), Scope: scope}
	rc := RequestContextFrom(ctx)

	var revoked bool
	err := e.withinTx(ctx, func(txCtx context.Context) error {
		ok, err := e.grants.Revoke(txCtx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGrantStoreUnavailable, err)
		}
		if !ok {
			return nil
		}
		revoked = true
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventRevoked, true, key, rc, nil, nil))
	})
	if err != nil {
		return false, err
	}

	if revoked {
		e.metricInc(MetricGrantRevoked)
	}
	return revoked, nil
}

func grantMetadata(g Grant) map[string]string {
	return map[string]string{
		"expires_at": g.ExpiresAt.Format(time.RFC3339Nano),
		"single_use": boolString(g.SingleUse),
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
