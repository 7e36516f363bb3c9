package stepup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LintSeverity ranks configuration warnings.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

// String returns the severity label.
func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is a configuration that validates but weakens step-up guarantees.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered list of warnings produced by Config.Lint.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, 0, len(r))
	for _, w := range r {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError returns an error listing every warning at or above min, or nil.
func (r LintResult) AsError(min LintSeverity) error {
	filtered := r.BySeverity(min)
	if len(filtered) == 0 {
		return nil
	}
	parts := make([]string, 0, len(filtered))
	for _, w := range filtered {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message))
	}
	return errors.New("config lint: " + strings.Join(parts, "; "))
}

// Lint reports settings that pass Validate but are risky for an admin surface. It never
// mutates c.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, format string, args ...any) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if ttl := c.Grant.PolicyFor(ScopeLogin).TTL; ttl > 8*time.Hour {
		add("login_ttl_long", LintWarn, "LOGIN grant TTL %s exceeds 8h", ttl)
	}
	for _, scope := range AllScopes() {
		if scope.IsLogin() {
			continue
		}
		if ttl := c.Grant.PolicyFor(scope).TTL; ttl > 15*time.Minute {
			add("scope_ttl_long", LintWarn, "%s grant TTL %s exceeds 15m", scope, ttl)
		}
	}
	if !c.Grant.PolicyFor(ScopeSecurity).SingleUse {
		add("security_scope_reusable", LintWarn, "SECURITY grants are reusable for their whole TTL")
	}

	if c.TOTP.Skew > 1 {
		add("totp_skew_wide", LintWarn, "TOTP skew %d accepts codes from %d periods away", c.TOTP.Skew, c.TOTP.Skew)
	}
	if c.TOTP.MaxAttempts == 0 {
		add("totp_attempts_unlimited", LintHigh, "TOTP attempt limiting is disabled")
	}
	if !c.TOTP.EnforceReplayProtection {
		add("totp_replay_unprotected", LintInfo, "a TOTP code can be replayed within its %ds validity window", c.TOTP.Period*(2*c.TOTP.Skew+1))
	}
	if c.TOTP.Digits == 6 && c.TOTP.Period > 30 {
		add("totp_period_long", LintInfo, "6-digit codes stay valid for %ds periods", c.TOTP.Period)
	}

	if c.SecurityEvents.Async && !c.SecurityEvents.DropIfFull {
		add("security_events_blocking", LintWarn, "a slow security event recorder will block authorization calls")
	}
	if !c.Metrics.Enabled {
		add("metrics_disabled", LintInfo, "engine metrics are disabled")
	}
	if !c.Security.ProductionMode {
		add("production_mode_off", LintInfo, "ProductionMode is off; hardening bounds are not enforced")
	}

	return ws
}
