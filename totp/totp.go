package totp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
)

// SecretStore looks up enrolled base32 secrets. store/memory.Store and
// store/postgres.Store implement it.
type SecretStore interface {
	Secret(ctx context.Context, adminID int64) (string, bool, error)
}

// Config holds the RFC 6238 parameters shared by Verifier and Provisioner.
type Config struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string
}

// ConfigFrom maps the engine TOTP configuration.
func ConfigFrom(cfg stepup.TOTPConfig) Config {
	return Config{
		Issuer:    cfg.Issuer,
		Digits:    cfg.Digits,
		Period:    cfg.Period,
		Skew:      cfg.Skew,
		Algorithm: cfg.Algorithm,
	}
}

func (c Config) digits() otp.Digits {
	if c.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

func (c Config) algorithm() otp.Algorithm {
	switch strings.ToUpper(c.Algorithm) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

func (c Config) period() uint {
	if c.Period <= 0 {
		return 30
	}
	return uint(c.Period)
}

func (c Config) opts() pqtotp.ValidateOpts {
	skew := c.Skew
	if skew < 0 {
		skew = 0
	}
	return pqtotp.ValidateOpts{
		Period:    c.period(),
		Skew:      uint(skew),
		Digits:    c.digits(),
		Algorithm: c.algorithm(),
	}
}

// Verifier implements stepup.TOTPVerifier on top of github.com/pquerna/otp.
type Verifier struct {
	store SecretStore
	cfg   Config
	now   func() time.Time
}

// NewVerifier returns a Verifier reading secrets from store.
func NewVerifier(store SecretStore, cfg Config) *Verifier {
	return &Verifier{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithClock overrides the verification time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// RetrieveSecret implements stepup.TOTPVerifier.
func (v *Verifier) RetrieveSecret(ctx context.Context, adminID int64) (string, bool, error) {
	if v.store == nil {
		return "", false, errors.New("totp: nil secret store")
	}
	return v.store.Secret(ctx, adminID)
}

// Verify implements stepup.TOTPVerifier. Surrounding and embedded spaces in code are
// ignored; any other malformed code or secret fails verification.
func (v *Verifier) Verify(secret, code string) bool {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if secret == "" || len(code) != v.cfg.digits().Length() {
		return false
	}
	ok, err := pqtotp.ValidateCustom(code, secret, v.now().UTC(), v.cfg.opts())
	return err == nil && ok
}

// Code returns the code valid for secret at t. It exists for tests and tooling.
func (v *Verifier) Code(secret string, t time.Time) (string, error) {
	return pqtotp.GenerateCodeCustom(secret, t.UTC(), v.cfg.opts())
}

// Provisioner implements stepup.TOTPProvisioner.
type Provisioner struct {
	cfg Config
}

// NewProvisioner returns a Provisioner issuing keys under cfg.Issuer.
func NewProvisioner(cfg Config) *Provisioner {
	return &Provisioner{cfg: cfg}
}

// Provision generates a random 160-bit secret and its otpauth:// URI.
func (p *Provisioner) Provision(accountName string) (*stepup.TOTPProvision, error) {
	issuer := p.cfg.Issuer
	if issuer == "" {
		issuer = "stepup"
	}
	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      p.cfg.period(),
		SecretSize:  20,
		Digits:      p.cfg.digits(),
		Algorithm:   p.cfg.algorithm(),
	})
	if err != nil {
		return nil, err
	}
	return &stepup.TOTPProvision{
		Secret: key.Secret(),
		URI:    key.URL(),
	}, nil
}
