package stepup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	auditEventGranted       = "step_up_granted"
	auditEventRiskMismatch  = "step_up_risk_mismatch"
	auditEventConsumed      = "step_up_consumed"
	auditEventPrimaryIssued = "step_up_primary_issued"
	auditEventScopedIssued  = "step_up_scoped_issued"
	auditEventDenied        = "step_up_denied"
	auditEventRevoked       = "step_up_revoked"
	auditEventTOTPEnabled   = "totp_enabled"
)

// AuditErrorCode is the stable error label stored on audit events.
type AuditErrorCode string

const (
	auditErrStepUpRequired AuditErrorCode = "step_up_required"
	auditErrRiskMismatch   AuditErrorCode = "risk_mismatch"
	auditErrInvalidScope   AuditErrorCode = "invalid_scope"
	auditErrScopeReserved  AuditErrorCode = "scope_reserved"
	auditErrRateLimited    AuditErrorCode = "totp_rate_limited"
	auditErrUnavailable    AuditErrorCode = "backend_unavailable"
	auditErrInternal       AuditErrorCode = "internal_error"
)

// errStepUpRequired labels denials logged through LogDenial.
var errStepUpRequired = errors.New("step-up required")

// errRiskMismatch labels grants destroyed after a fingerprint change.
var errRiskMismatch = errors.New("risk context mismatch")

func (e *Engine) newAuditEvent(
	eventType string,
	success bool,
	key GrantKey,
	rc RequestContext,
	err error,
	metadata map[string]string,
) AuditEvent {
	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		EventType: eventType,
		AdminID:   key.AdminID,
		SessionID: key.SessionID,
		Scope:     key.Scope.String(),
		IP:        rc.IP,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}
	return event
}

// writeAudit writes event through the authoritative writer. ctx must carry the active
// transaction.
func (e *Engine) writeAudit(ctx context.Context, event AuditEvent) error {
	if err := e.audit.Write(ctx, event); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAuditWriteFailed, event.EventType, err)
	}
	return nil
}

// LogDenial writes an authoritative step_up_denied audit event for a request the caller
// rejected for lacking a grant. It returns an error when the audit write or its
// transaction fails.
func (e *Engine) LogDenial(ctx context.Context, adminID int64, sessionToken string, scope Scope, rc RequestContext) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return err
	}
	if err := validateScope(scope); err != nil {
		return err
	}

	key := GrantKey{AdminID: adminID, SessionID: e.binder.SessionID(sessionToken), Scope: scope}
	err := e.withinTx(ctx, func(txCtx context.Context) error {
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventDenied, false, key, rc, errStepUpRequired, map[string]string{
			"risk_context_hash": e.binder.Fingerprint(rc),
		}))
	})
	if err != nil {
		return err
	}

	e.metricInc(MetricDenialLogged)
	return nil
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, errStepUpRequired):
		return auditErrStepUpRequired
	case errors.Is(err, errRiskMismatch):
		return auditErrRiskMismatch
	case errors.Is(err, ErrInvalidScope):
		return auditErrInvalidScope
	case errors.Is(err, ErrScopeReserved):
		return auditErrScopeReserved
	case errors.Is(err, ErrTOTPRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrGrantStoreUnavailable),
		errors.Is(err, ErrAuditWriteFailed),
		errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrTOTPUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
