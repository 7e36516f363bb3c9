package stepup

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Backend is a store that serves grants, transactions and the authoritative audit trail
// together. store/postgres.Store and store/memory.Store both satisfy it.
type Backend interface {
	GrantRepository
	TransactionBoundary
	AuditWriter
}

// Builder assembles an Engine from its collaborators.
//
// Builder instances are intended to be configured during initialization and used once.
type Builder struct {
	config Config

	grants      GrantRepository
	tx          TransactionBoundary
	audit       AuditWriter
	events      SecurityEventRecorder
	verifier    TOTPVerifier
	enroller    TOTPEnroller
	provisioner TOTPProvisioner
	limiter     AttemptLimiter
	replay      ReplayGuard

	logger zerolog.Logger
	clock  func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig and a no-op logger.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the configuration. The value is cloned.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBackend sets the grant repository, transaction boundary and audit writer from one store.
func (b *Builder) WithBackend(backend Backend) *Builder {
	b.grants = backend
	b.tx = backend
	b.audit = backend
	return b
}

// WithGrantRepository sets the grant repository.
func (b *Builder) WithGrantRepository(repo GrantRepository) *Builder {
	b.grants = repo
	return b
}

// WithTransactionBoundary sets the transaction boundary. It must be the boundary the
// grant repository and audit writer honour.
func (b *Builder) WithTransactionBoundary(tx TransactionBoundary) *Builder {
	b.tx = tx
	return b
}

// WithAuditWriter sets the authoritative audit writer.
func (b *Builder) WithAuditWriter(w AuditWriter) *Builder {
	b.audit = w
	return b
}

// WithSecurityEventRecorder sets the best-effort security event recorder. When
// Config.SecurityEvents.Async is enabled the recorder is fed by a dispatcher goroutine.
func (b *Builder) WithSecurityEventRecorder(r SecurityEventRecorder) *Builder {
	b.events = r
	return b
}

// WithTOTPVerifier sets the TOTP secret lookup and code verifier.
func (b *Builder) WithTOTPVerifier(v TOTPVerifier) *Builder {
	b.verifier = v
	return b
}

// WithTOTPEnroller enables EnableTOTP.
func (b *Builder) WithTOTPEnroller(en TOTPEnroller) *Builder {
	b.enroller = en
	return b
}

// WithTOTPProvisioner enables ProvisionTOTP.
func (b *Builder) WithTOTPProvisioner(p TOTPProvisioner) *Builder {
	b.provisioner = p
	return b
}

// WithAttemptLimiter throttles VerifyTOTP per admin.
func (b *Builder) WithAttemptLimiter(l AttemptLimiter) *Builder {
	b.limiter = l
	return b
}

// WithReplayGuard sets the store of accepted TOTP codes consulted when
// TOTPConfig.EnforceReplayProtection is set.
func (b *Builder) WithReplayGuard(g ReplayGuard) *Builder {
	b.replay = g
	return b
}

// WithLogger sets the logger used for swallowed failures and anomalies.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides time.Now for grant issuance and expiry checks.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the HasGrant latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and collaborators and returns the Engine.
//
// Build fails when the grant repository, transaction boundary, audit writer or TOTP
// verifier is missing. A Builder can only be built once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.grants == nil {
		return nil, errors.New("grant repository required")
	}
	if b.tx == nil {
		return nil, errors.New("transaction boundary required")
	}
	if b.audit == nil {
		return nil, errors.New("audit writer required")
	}
	if b.verifier == nil {
		return nil, errors.New("totp verifier required")
	}
	if cfg.Security.ProductionMode && b.limiter == nil {
		return nil, errors.New("ProductionMode requires an attempt limiter")
	}
	if cfg.TOTP.EnforceReplayProtection && b.replay == nil {
		return nil, errors.New("EnforceReplayProtection requires a replay guard")
	}

	events := b.events
	if events == nil {
		events = NoOpRecorder{}
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	engine := &Engine{
		config:      cfg,
		grants:      b.grants,
		tx:          b.tx,
		audit:       b.audit,
		events:      events,
		verifier:    b.verifier,
		enroller:    b.enroller,
		provisioner: b.provisioner,
		limiter:     b.limiter,
		replay:      b.replay,
		logger:      b.logger,
		now:         clock,
		metrics:     NewMetrics(cfg.Metrics),
	}
	engine.dispatcher = newSecurityDispatcher(cfg.SecurityEvents, engine.deliverSecurityEvent, engine.onSecurityEventDropped)

	b.built = true

	return engine, nil
}
