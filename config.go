package stepup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the engine configuration. It is cloned by Builder.WithConfig and treated as
// immutable once the Engine is built.
type Config struct {
	Grant          GrantConfig
	TOTP           TOTPConfig
	SecurityEvents SecurityEventsConfig
	Metrics        MetricsConfig
	Security       SecurityConfig
}

/*
====================================
GRANT POLICY
====================================
*/

// ScopePolicy decides the lifetime and reuse of grants issued for one scope.
type ScopePolicy struct {
	TTL       time.Duration
	SingleUse bool
}

// GrantConfig is the explicit grant policy passed to the engine at construction.
//
// Scopes without an entry in Policy get DefaultTTL and are reusable.
type GrantConfig struct {
	Policy          map[Scope]ScopePolicy
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	EnrollmentScope Scope
}

// PolicyFor returns the effective policy of scope.
func (c GrantConfig) PolicyFor(scope Scope) ScopePolicy {
	if p, ok := c.Policy[scope]; ok {
		return p
	}
	return ScopePolicy{TTL: c.DefaultTTL}
}

/*
====================================
TOTP
====================================
*/

// TOTPConfig carries the authenticator parameters shared by the totp package verifier
// and provisioner, and the attempt budget used by AttemptLimiter implementations.
type TOTPConfig struct {
	Issuer      string
	Digits      int
	Period      int
	Skew        int
	Algorithm   string
	MaxAttempts int
	Cooldown    time.Duration

	// EnforceReplayProtection rejects a code already accepted for the same admin within
	// its validity window. It requires a ReplayGuard on the Builder.
	EnforceReplayProtection bool
}

/*
====================================
SECURITY EVENTS / METRICS / SECURITY
====================================
*/

// SecurityEventsConfig controls best-effort security event delivery. When Async is true
// the recorder is fed by a buffered dispatcher goroutine.
type SecurityEventsConfig struct {
	Async      bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds hardening switches.
type SecurityConfig struct {
	ProductionMode bool
}

// DefaultConfig returns the configuration used when Builder.WithConfig is not called.
func DefaultConfig() Config {
	return Config{
		Grant: GrantConfig{
			Policy: map[Scope]ScopePolicy{
				ScopeLogin:             {TTL: 8 * time.Hour},
				ScopeSecurity:          {TTL: 10 * time.Minute, SingleUse: true},
				ScopeAdminManagement:   {TTL: 10 * time.Minute},
				ScopeContentPublishing: {TTL: 15 * time.Minute},
			},
			DefaultTTL:      5 * time.Minute,
			MaxTTL:          12 * time.Hour,
			EnrollmentScope: ScopeSecurity,
		},
		TOTP: TOTPConfig{
			Issuer:      "stepup",
			Digits:      6,
			Period:      30,
			Skew:        1,
			Algorithm:   "SHA1",
			MaxAttempts: 5,
			Cooldown:    time.Minute,
		},
		SecurityEvents: SecurityEventsConfig{
			Async:      false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			ProductionMode: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Grant.Policy != nil {
		out.Grant.Policy = make(map[Scope]ScopePolicy, len(cfg.Grant.Policy))
		for scope, p := range cfg.Grant.Policy {
			out.Grant.Policy[scope] = p
		}
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for values the engine cannot honour safely.
func (c *Config) Validate() error {
	// Grant
	if c.Grant.DefaultTTL <= 0 {
		return errors.New("Grant DefaultTTL must be > 0")
	}
	if c.Grant.MaxTTL < 0 {
		return errors.New("Grant MaxTTL must be >= 0")
	}
	if c.Grant.MaxTTL > 0 && c.Grant.DefaultTTL > c.Grant.MaxTTL {
		return errors.New("Grant DefaultTTL must be <= MaxTTL")
	}
	for scope, p := range c.Grant.Policy {
		if !scope.Valid() {
			return errors.New("Grant Policy contains an invalid scope")
		}
		if p.TTL <= 0 {
			return fmt.Errorf("Grant Policy TTL for %s must be > 0", scope)
		}
		if c.Grant.MaxTTL > 0 && p.TTL > c.Grant.MaxTTL {
			return fmt.Errorf("Grant Policy TTL for %s must be <= MaxTTL", scope)
		}
	}
	// A single-use LOGIN grant would be consumed by the first session-state query.
	if c.Grant.PolicyFor(ScopeLogin).SingleUse {
		return errors.New("Grant Policy for LOGIN cannot be single-use")
	}
	if !c.Grant.EnrollmentScope.Valid() {
		return errors.New("Grant EnrollmentScope must be a valid scope")
	}
	if c.Grant.EnrollmentScope.IsLogin() {
		return errors.New("Grant EnrollmentScope cannot be LOGIN")
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 {
		return errors.New("TOTP Skew must be >= 0")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
		// valid (empty treated as SHA1)
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.MaxAttempts < 0 {
		return errors.New("TOTP MaxAttempts must be >= 0")
	}
	if c.TOTP.MaxAttempts > 0 && c.TOTP.Cooldown <= 0 {
		return errors.New("TOTP Cooldown must be > 0 when MaxAttempts is set")
	}

	// Security events
	if c.SecurityEvents.Async && c.SecurityEvents.BufferSize <= 0 {
		return errors.New("SecurityEvents BufferSize must be > 0 when Async is enabled")
	}

	if c.Security.ProductionMode {
		if c.Grant.PolicyFor(ScopeLogin).TTL > 12*time.Hour {
			return errors.New("ProductionMode requires LOGIN grant TTL <= 12h")
		}
		for _, scope := range AllScopes() {
			if scope.IsLogin() {
				continue
			}
			if c.Grant.PolicyFor(scope).TTL > 30*time.Minute {
				return fmt.Errorf("ProductionMode requires %s grant TTL <= 30m", scope)
			}
		}
		if c.TOTP.Skew > 2 {
			return errors.New("ProductionMode requires TOTP Skew <= 2")
		}
		if c.TOTP.Period > 60 {
			return errors.New("ProductionMode requires TOTP Period <= 60")
		}
		if c.TOTP.MaxAttempts <= 0 {
			return errors.New("ProductionMode requires TOTP MaxAttempts > 0")
		}
	}

	return nil
}
