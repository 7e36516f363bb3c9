package stepup

import "time"

// SecurityReport summarizes the effective step-up posture of an Engine.
type SecurityReport struct {
	ProductionMode        bool
	Scopes                []ScopeReport
	EnrollmentScope       Scope
	TOTPDigits            int
	TOTPPeriod            int
	TOTPSkew              int
	TOTPAlgorithm         string
	AttemptLimitingActive bool
	ReplayProtection      bool
	EnrollmentEnabled     bool
	ProvisioningEnabled   bool
	AsyncSecurityEvents   bool
	MetricsEnabled        bool
}

// ScopeReport is the grant policy in force for one scope.
type ScopeReport struct {
	Scope     Scope
	TTL       time.Duration
	SingleUse bool
}

// SecurityReport returns the posture of e. It is safe to log.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	scopes := make([]ScopeReport, 0, len(AllScopes()))
	for _, scope := range AllScopes() {
		p := e.config.Grant.PolicyFor(scope)
		scopes = append(scopes, ScopeReport{Scope: scope, TTL: p.TTL, SingleUse: p.SingleUse})
	}

	return SecurityReport{
		ProductionMode:        e.config.Security.ProductionMode,
		Scopes:                scopes,
		EnrollmentScope:       e.config.Grant.EnrollmentScope,
		TOTPDigits:            e.config.TOTP.Digits,
		TOTPPeriod:            e.config.TOTP.Period,
		TOTPSkew:              e.config.TOTP.Skew,
		TOTPAlgorithm:         e.config.TOTP.Algorithm,
		AttemptLimitingActive: e.limiter != nil && e.config.TOTP.MaxAttempts > 0,
		ReplayProtection:      e.config.TOTP.EnforceReplayProtection,
		EnrollmentEnabled:     e.enroller != nil,
		ProvisioningEnabled:   e.provisioner != nil,
		AsyncSecurityEvents:   e.dispatcher != nil,
		MetricsEnabled:        e.config.Metrics.Enabled,
	}
}
