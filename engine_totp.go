package stepup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifyTOTP challenges the admin for scope with a one-time code.
//
// A missing enrollment, a spent attempt budget and a wrong code are returned as
// VerificationResult outcomes with a best-effort security event and no transaction. A
// verified code persists a grant for scope, shaped by the grant policy, together with a
// step_up_granted audit event in one transaction. LOGIN returns ErrScopeReserved.
func (e *Engine) VerifyTOTP(
	ctx context.Context,
	adminID int64,
	sessionToken string,
	scope Scope,
	code string,
	rc RequestContext,
) (VerificationResult, error) {
	if err := e.ready(); err != nil {
		return VerificationResult{}, err
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return VerificationResult{}, err
	}
	if err := validateScope(scope); err != nil {
		return VerificationResult{}, err
	}
	if scope.IsLogin() {
		return VerificationResult{}, ErrScopeReserved
	}

	sessionID := e.binder.SessionID(sessionToken)

	secret, enrolled, err := e.verifier.RetrieveSecret(ctx, adminID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}
	if !enrolled || secret == "" {
		e.metricInc(MetricTOTPNotEnrolled)
		e.recordSecurityEvent(ctx, SecurityEventNotEnrolled, adminID, sessionID, scope, rc, nil)
		return VerificationResult{Outcome: VerificationNotEnrolled, Reason: reasonNotEnrolled}, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Check(ctx, adminID); err != nil {
			if errors.Is(err, ErrTOTPRateLimited) {
				return e.rateLimited(ctx, adminID, sessionID, scope, rc), nil
			}
			return VerificationResult{}, fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
		}
	}

	if !e.verifier.Verify(secret, code) {
		e.metricInc(MetricTOTPFailure)
		return e.invalidCode(ctx, adminID, sessionID, scope, rc, map[string]string{}), nil
	}

	if e.config.TOTP.EnforceReplayProtection {
		fresh, err := e.replay.Claim(ctx, adminID, normalizeCode(code), e.replayWindow())
		if err != nil {
			return VerificationResult{}, fmt.Errorf("%w: replay guard: %w", ErrTOTPUnavailable, err)
		}
		if !fresh {
			e.metricInc(MetricTOTPReplayRejected)
			return e.invalidCode(ctx, adminID, sessionID, scope, rc, map[string]string{"replay": "true"}), nil
		}
	}

	grant := e.newGrant(adminID, sessionID, scope, rc)
	err = e.withinTx(ctx, func(txCtx context.Context) error {
		if err := e.saveGrant(txCtx, grant); err != nil {
			return err
		}
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventGranted, true, grant.Key(), rc, nil, grantMetadata(grant)))
	})
	if err != nil {
		return VerificationResult{}, err
	}

	if e.limiter != nil {
		if err := e.limiter.Reset(ctx, adminID); err != nil {
			e.logger.Warn().Err(err).Int64("admin_id", adminID).Msg("totp attempt counter not reset")
		}
	}

	e.metricInc(MetricTOTPSuccess)
	return VerificationResult{Outcome: VerificationSucceeded, Grant: &grant}, nil
}

// invalidCode charges a rejected code to the attempt budget and records INVALID_CODE.
func (e *Engine) invalidCode(ctx context.Context, adminID int64, sessionID string, scope Scope, rc RequestContext, metadata map[string]string) VerificationResult {
	if e.limiter != nil {
		err := e.limiter.RecordFailure(ctx, adminID)
		switch {
		case errors.Is(err, ErrTOTPRateLimited):
			metadata["budget"] = "exhausted"
		case err != nil:
			e.logger.Warn().Err(err).Int64("admin_id", adminID).Msg("totp attempt not recorded")
		}
	}
	e.recordSecurityEvent(ctx, SecurityEventInvalidCode, adminID, sessionID, scope, rc, metadata)
	return VerificationResult{Outcome: VerificationInvalidCode, Reason: reasonInvalidCode}
}

// replayWindow covers every period in which an accepted code can still verify.
func (e *Engine) replayWindow() time.Duration {
	return time.Duration(e.config.TOTP.Period*(2*e.config.TOTP.Skew+1)) * time.Second
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

func (e *Engine) rateLimited(ctx context.Context, adminID int64, sessionID string, scope Scope, rc RequestContext) VerificationResult {
	e.metricInc(MetricTOTPRateLimited)
	e.recordSecurityEvent(ctx, SecurityEventRateLimited, adminID, sessionID, scope, rc, nil)
	return VerificationResult{Outcome: VerificationRateLimited, Reason: reasonRateLimited}
}

// EnableTOTP confirms enrollment of a candidate secret.
//
// code is verified against secret, not against any enrolled secret. A wrong code returns
// false with no side effects. An admin who already has an enrolled secret can replace it
// only from a session holding a live grant for the configured enrollment scope, which the
// check consumes if single-use; otherwise ErrTOTPAlreadyEnrolled is returned. The secret
// is then enrolled, a fresh enrollment-scope grant is saved and a totp_enabled audit
// event is written, all in one transaction.
func (e *Engine) EnableTOTP(
	ctx context.Context,
	adminID int64,
	sessionToken string,
	secret string,
	code string,
	rc RequestContext,
) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if e.enroller == nil {
		return false, ErrTOTPEnrollmentUnsupported
	}
	if err := validateSubject(adminID, sessionToken); err != nil {
		return false, err
	}
	if secret == "" {
		return false, ErrEmptyTOTPSecret
	}

	current, enrolled, err := e.verifier.RetrieveSecret(ctx, adminID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}

	if !e.verifier.Verify(secret, code) {
		e.metricInc(MetricTOTPEnrollmentRejected)
		return false, nil
	}

	if enrolled && current != "" {
		scope := e.config.Grant.EnrollmentScope
		ok, err := e.HasGrant(ctx, adminID, sessionToken, scope, rc)
		if err != nil {
			return false, err
		}
		if !ok {
			e.metricInc(MetricTOTPReenrollmentDenied)
			e.logger.Warn().
				Int64("admin_id", adminID).
				Str("scope", scope.String()).
				Msg("totp re-enrollment refused without step-up grant")
			return false, ErrTOTPAlreadyEnrolled
		}
	}

	grant := e.newGrant(adminID, e.binder.SessionID(sessionToken), e.config.Grant.EnrollmentScope, rc)
	err = e.withinTx(ctx, func(txCtx context.Context) error {
		if err := e.enroller.EnrollSecret(txCtx, adminID, secret); err != nil {
			return fmt.Errorf("%w: enroll: %w", ErrTOTPUnavailable, err)
		}
		if err := e.saveGrant(txCtx, grant); err != nil {
			return err
		}
		return e.writeAudit(txCtx, e.newAuditEvent(auditEventTOTPEnabled, true, grant.Key(), rc, nil, grantMetadata(grant)))
	})
	if err != nil {
		return false, err
	}

	e.metricInc(MetricTOTPEnabled)
	return true, nil
}

// ProvisionTOTP generates a candidate secret and its otpauth URI for adminID. Nothing is
// persisted; the secret becomes enrolled only through EnableTOTP.
func (e *Engine) ProvisionTOTP(ctx context.Context, adminID int64, accountName string) (*TOTPProvision, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.provisioner == nil {
		return nil, ErrTOTPProvisioningUnsupported
	}
	if adminID <= 0 {
		return nil, ErrInvalidAdmin
	}
	if accountName == "" {
		accountName = "admin-" + strconv.FormatInt(adminID, 10)
	}

	prov, err := e.provisioner.Provision(accountName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTOTPUnavailable, err)
	}

	e.logger.Debug().Int64("admin_id", adminID).Msg("totp secret provisioned")
	return prov, nil
}
