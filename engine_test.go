package stepup_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/MrEthical07/stepup/store/memory"
	"github.com/MrEthical07/stepup/totp"
)

const (
	testAdmin   int64 = 1
	testToken         = "session-token-abc"
	testSecret        = "JBSWY3DPEHPK3PXP"
	otherSecret       = "KRSXG5CTMVRXEZLU"
)

var (
	homeContext  = stepup.RequestContext{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (X11; Linux)"}
	otherContext = stepup.RequestContext{IP: "198.51.100.77", UserAgent: "curl/8.5.0"}
	errBoom      = errors.New("boom")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        testing.TB
	store    *memory.Store
	events   *memory.Recorder
	clock    *fakeClock
	verifier *totp.Verifier
	engine   *stepup.Engine
}

func testConfig() stepup.Config {
	cfg := stepup.DefaultConfig()
	cfg.Metrics.Enabled = true
	return cfg
}

func newHarness(t testing.TB, cfg stepup.Config, opts ...func(*stepup.Builder)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		store:  memory.New(),
		events: memory.NewRecorder(),
		clock:  newFakeClock(),
	}
	h.verifier = totp.NewVerifier(h.store, totp.ConfigFrom(cfg.TOTP)).WithClock(h.clock.Now)

	b := stepup.New().
		WithConfig(cfg).
		WithBackend(h.store).
		WithSecurityEventRecorder(h.events).
		WithTOTPVerifier(h.verifier).
		WithTOTPEnroller(h.store).
		WithTOTPProvisioner(totp.NewProvisioner(totp.ConfigFrom(cfg.TOTP))).
		WithClock(h.clock.Now)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

func (h *harness) code(secret string) string {
	h.t.Helper()
	code, err := h.verifier.Code(secret, h.clock.Now())
	if err != nil {
		h.t.Fatalf("code generation failed: %v", err)
	}
	return code
}

func (h *harness) auditTypes() []string {
	events := h.store.AuditEvents()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func (h *harness) metric(id stepup.MetricID) uint64 {
	return h.engine.MetricsSnapshot().Counters[id]
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

func TestBuildRequiresCollaborators(t *testing.T) {
	store := memory.New()
	verifier := totp.NewVerifier(store, totp.Config{Digits: 6, Period: 30})

	cases := map[string]*stepup.Builder{
		"grants":   stepup.New().WithTransactionBoundary(store).WithAuditWriter(store).WithTOTPVerifier(verifier),
		"tx":       stepup.New().WithGrantRepository(store).WithAuditWriter(store).WithTOTPVerifier(verifier),
		"audit":    stepup.New().WithGrantRepository(store).WithTransactionBoundary(store).WithTOTPVerifier(verifier),
		"verifier": stepup.New().WithBackend(store),
	}
	for name, b := range cases {
		if _, err := b.Build(); err == nil {
			t.Fatalf("%s: expected build error", name)
		}
	}

	b := stepup.New().WithBackend(store).WithTOTPVerifier(verifier)
	if _, err := b.Build(); err != nil {
		t.Fatalf("expected build success, got %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	store := memory.New()
	cfg := stepup.DefaultConfig()
	cfg.Grant.Policy[stepup.ScopeLogin] = stepup.ScopePolicy{TTL: time.Hour, SingleUse: true}

	_, err := stepup.New().
		WithConfig(cfg).
		WithBackend(store).
		WithTOTPVerifier(totp.NewVerifier(store, totp.Config{})).
		Build()
	if err == nil {
		t.Fatal("expected single-use LOGIN policy to be rejected")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *stepup.Engine
	if _, err := e.HasGrant(context.Background(), testAdmin, testToken, stepup.ScopeSecurity, homeContext); !errors.Is(err, stepup.ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := e.LogDenial(context.Background(), testAdmin, testToken, stepup.ScopeSecurity, homeContext); !errors.Is(err, stepup.ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.SecurityEventsDropped() != 0 {
		t.Fatal("expected zero drops on nil engine")
	}
	e.Close()
}

func TestInputValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if _, err := h.engine.HasGrant(ctx, 0, testToken, stepup.ScopeSecurity, homeContext); !errors.Is(err, stepup.ErrInvalidAdmin) {
		t.Fatalf("expected ErrInvalidAdmin, got %v", err)
	}
	if _, err := h.engine.HasGrant(ctx, testAdmin, "", stepup.ScopeSecurity, homeContext); !errors.Is(err, stepup.ErrEmptySessionToken) {
		t.Fatalf("expected ErrEmptySessionToken, got %v", err)
	}
	if _, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.Scope{}, homeContext); !errors.Is(err, stepup.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeLogin, homeContext); !errors.Is(err, stepup.ErrScopeReserved) {
		t.Fatalf("expected ErrScopeReserved, got %v", err)
	}
	if _, err := h.engine.VerifyTOTP(ctx, testAdmin, testToken, stepup.ScopeLogin, "123456", homeContext); !errors.Is(err, stepup.ErrScopeReserved) {
		t.Fatalf("expected ErrScopeReserved, got %v", err)
	}
	if got := h.store.Stats().Begins; got != 0 {
		t.Fatalf("expected no transactions, got %d", got)
	}
}

/*
====================================
HasGrant decision table
====================================
*/

func TestHasGrantNoGrant(t *testing.T) {
	h := newHarness(t, testConfig())

	ok, err := h.engine.HasGrant(context.Background(), testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if err != nil {
		t.Fatalf("HasGrant failed: %v", err)
	}
	if ok {
		t.Fatal("expected no grant")
	}
	if got := h.store.Stats().Begins; got != 0 {
		t.Fatalf("expected no transaction, got %d", got)
	}
	if h.metric(stepup.MetricGrantCheckMissing) != 1 {
		t.Fatal("expected missing-grant metric")
	}
}

func TestHasGrantReusableDoesNotMutate(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	before := h.store.Grants()
	beforeStats := h.store.Stats()

	for i := 0; i < 3; i++ {
		ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext)
		if err != nil {
			t.Fatalf("HasGrant failed: %v", err)
		}
		if !ok {
			t.Fatalf("call %d: expected grant", i)
		}
	}

	after := h.store.Grants()
	if len(after) != 1 || after[0] != before[0] {
		t.Fatalf("expected grant unchanged, before=%+v after=%+v", before, after)
	}
	if h.store.Stats() != beforeStats {
		t.Fatalf("expected no transactions, got %+v", h.store.Stats())
	}
}

func TestHasGrantExpiredHasNoSideEffect(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeContentPublishing, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	stored := h.store.Grants()[0]
	h.clock.Advance(stored.ExpiresAt.Sub(stored.IssuedAt))

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeContentPublishing, homeContext)
	if err != nil {
		t.Fatalf("HasGrant failed: %v", err)
	}
	if ok {
		t.Fatal("expected grant expiring exactly now to deny")
	}
	grants := h.store.Grants()
	if len(grants) != 1 || grants[0] != stored {
		t.Fatalf("expected expired grant left in storage, got %+v", grants)
	}
	if got := h.store.Stats().Begins; got != 1 {
		t.Fatalf("expected only the issuing transaction, got %d", got)
	}
	if len(h.events.Events()) != 0 {
		t.Fatal("expected no security events for expiry")
	}
}

func TestHasGrantRiskMismatchRevokesGrant(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	statsBefore := h.store.Stats()
	auditBefore := len(h.store.AuditEvents())

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
	if err != nil {
		t.Fatalf("HasGrant failed: %v", err)
	}
	if ok {
		t.Fatal("expected risk mismatch to deny")
	}

	if len(h.store.Grants()) != 0 {
		t.Fatal("expected grant revoked")
	}
	stats := h.store.Stats()
	if stats.Begins-statsBefore.Begins != 1 || stats.Commits-statsBefore.Commits != 1 {
		t.Fatalf("expected exactly one committed transaction, got %+v -> %+v", statsBefore, stats)
	}
	audit := h.store.AuditEvents()
	if len(audit)-auditBefore != 1 {
		t.Fatalf("expected one audit event, got %d", len(audit)-auditBefore)
	}
	last := audit[len(audit)-1]
	if last.EventType != "step_up_risk_mismatch" || last.Success || last.Error != "risk_mismatch" {
		t.Fatalf("unexpected audit event: %+v", last)
	}
	if h.events.Count(stepup.SecurityEventRiskMismatch) != 1 || len(h.events.Events()) != 1 {
		t.Fatalf("expected exactly one RISK_MISMATCH event, got %+v", h.events.Events())
	}

	// The original context no longer has a grant either.
	ok, err = h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext)
	if err != nil || ok {
		t.Fatalf("expected grant gone for original context, ok=%v err=%v", ok, err)
	}
	if h.metric(stepup.MetricRiskMismatch) != 1 {
		t.Fatal("expected risk mismatch metric")
	}
}

func TestHasGrantRiskMismatchAuditFailureKeepsGrant(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	h.store.Fail(memory.OpAudit, errBoom)

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
	if ok {
		t.Fatal("expected deny")
	}
	if !errors.Is(err, stepup.ErrAuditWriteFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected audit failure, got %v", err)
	}
	if len(h.store.Grants()) != 1 {
		t.Fatal("expected revoke rolled back")
	}
	if len(h.events.Events()) != 0 {
		t.Fatal("expected no security event when the transaction failed")
	}
}

func TestHasGrantConcurrentRiskMismatchAuditsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	auditBefore := len(h.store.AuditEvents())

	const workers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
			if err != nil || ok {
				t.Errorf("expected deny without error, ok=%v err=%v", ok, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := len(h.store.AuditEvents()) - auditBefore; got != 1 {
		t.Fatalf("expected one risk mismatch audit event, got %d", got)
	}
	if h.events.Count(stepup.SecurityEventRiskMismatch) != 1 {
		t.Fatalf("expected one RISK_MISMATCH event, got %+v", h.events.Events())
	}
	if h.metric(stepup.MetricRiskMismatch) != 1 {
		t.Fatalf("expected one risk mismatch metric, got %d", h.metric(stepup.MetricRiskMismatch))
	}
}

// reissuingRepository saves fresh under the same key right after the first Find, the way
// a concurrent login would between a risk check's read and its revocation.
type reissuingRepository struct {
	*memory.Store
	fresh stepup.Grant
	once  sync.Once
}

func (r *reissuingRepository) Find(ctx context.Context, key stepup.GrantKey) (stepup.Grant, bool, error) {
	g, found, err := r.Store.Find(ctx, key)
	r.once.Do(func() {
		if saveErr := r.Store.Save(ctx, r.fresh); saveErr != nil {
			panic(saveErr)
		}
	})
	return g, found, err
}

func TestHasGrantRiskMismatchSparesReissuedGrant(t *testing.T) {
	repo := &reissuingRepository{}
	h := newHarness(t, testConfig(), func(b *stepup.Builder) {
		b.WithGrantRepository(repo)
	})
	repo.Store = h.store
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	stale := h.store.Grants()[0]
	repo.fresh = stale
	repo.fresh.IssuedAt = stale.IssuedAt.Add(time.Second)
	repo.fresh.ExpiresAt = stale.ExpiresAt.Add(time.Second)
	repo.fresh.RiskContextHash = stepup.RiskBinder{}.Fingerprint(otherContext)
	auditBefore := len(h.store.AuditEvents())

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
	if err != nil || ok {
		t.Fatalf("expected stale read to deny, ok=%v err=%v", ok, err)
	}

	grants := h.store.Grants()
	if len(grants) != 1 || !grants[0].IssuedAt.Equal(repo.fresh.IssuedAt) {
		t.Fatalf("expected reissued grant to survive, got %+v", grants)
	}
	if len(h.store.AuditEvents()) != auditBefore || len(h.events.Events()) != 0 {
		t.Fatal("expected no audit or security event for an already replaced grant")
	}

	ok, err = h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
	if err != nil || !ok {
		t.Fatalf("expected reissued grant to authorize, ok=%v err=%v", ok, err)
	}
}

func TestHasGrantSingleUseConsumedOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	if !h.store.Grants()[0].SingleUse {
		t.Fatal("expected SECURITY grant to be single-use under default policy")
	}

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if err != nil || !ok {
		t.Fatalf("expected first check to pass, ok=%v err=%v", ok, err)
	}
	ok, err = h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if err != nil || ok {
		t.Fatalf("expected second check to fail, ok=%v err=%v", ok, err)
	}

	types := h.auditTypes()
	if len(types) != 2 || types[0] != "step_up_scoped_issued" || types[1] != "step_up_consumed" {
		t.Fatalf("unexpected audit trail %v", types)
	}
}

func TestHasGrantSingleUseConcurrentConsumption(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		start   = make(chan struct{})
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext)
			if err != nil {
				t.Errorf("HasGrant failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("expected exactly one authorized caller, got %d", allowed)
	}
	consumed := 0
	for _, typ := range h.auditTypes() {
		if typ == "step_up_consumed" {
			consumed++
		}
	}
	if consumed != 1 {
		t.Fatalf("expected one consumption audit event, got %d", consumed)
	}
}

func TestHasGrantConsumeFailurePropagates(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	h.store.Fail(memory.OpConsume, errBoom)

	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if ok || !errors.Is(err, stepup.ErrGrantStoreUnavailable) {
		t.Fatalf("expected store failure, ok=%v err=%v", ok, err)
	}

	h.store.Fail(memory.OpConsume, nil)
	ok, err = h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if err != nil || !ok {
		t.Fatalf("expected grant still usable after failed consumption, ok=%v err=%v", ok, err)
	}
}

func TestHasGrantFindFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.Fail(memory.OpFind, errBoom)

	_, err := h.engine.HasGrant(context.Background(), testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if !errors.Is(err, stepup.ErrGrantStoreUnavailable) || !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped find failure, got %v", err)
	}
}

/*
====================================
Session state
====================================
*/

func TestSessionStateInitiallyPending(t *testing.T) {
	h := newHarness(t, testConfig())

	state, err := h.engine.GetSessionState(context.Background(), testAdmin, testToken, homeContext)
	if err != nil {
		t.Fatalf("GetSessionState failed: %v", err)
	}
	if state != stepup.SessionPendingStepUp {
		t.Fatalf("expected PENDING_STEP_UP, got %s", state)
	}
}

func TestSessionStateActiveAfterPrimaryGrant(t *testing.T) {
	cfg := testConfig()
	cfg.Grant.Policy[stepup.ScopeLogin] = stepup.ScopePolicy{TTL: time.Hour}
	h := newHarness(t, cfg)
	ctx := context.Background()

	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); err != nil {
		t.Fatalf("IssuePrimaryGrant failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		state, err := h.engine.GetSessionState(ctx, testAdmin, testToken, homeContext)
		if err != nil {
			t.Fatalf("GetSessionState failed: %v", err)
		}
		if state != stepup.SessionActive {
			t.Fatalf("call %d: expected ACTIVE, got %s", i, state)
		}
	}
}

func TestSessionStatePendingAfterExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.Grant.Policy[stepup.ScopeLogin] = stepup.ScopePolicy{TTL: time.Hour}
	h := newHarness(t, cfg)
	ctx := context.Background()

	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); err != nil {
		t.Fatalf("IssuePrimaryGrant failed: %v", err)
	}
	h.clock.Advance(2 * time.Hour)

	state, err := h.engine.GetSessionState(ctx, testAdmin, testToken, homeContext)
	if err != nil {
		t.Fatalf("GetSessionState failed: %v", err)
	}
	if state != stepup.SessionPendingStepUp {
		t.Fatalf("expected PENDING_STEP_UP, got %s", state)
	}
	if len(h.store.Grants()) != 1 {
		t.Fatal("expected expired LOGIN grant to remain stored")
	}
}

func TestSessionStateRiskMismatchRevokesLogin(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); err != nil {
		t.Fatalf("IssuePrimaryGrant failed: %v", err)
	}
	state, err := h.engine.GetSessionState(ctx, testAdmin, testToken, otherContext)
	if err != nil || state != stepup.SessionPendingStepUp {
		t.Fatalf("expected PENDING_STEP_UP, state=%s err=%v", state, err)
	}
	state, err = h.engine.GetSessionState(ctx, testAdmin, testToken, homeContext)
	if err != nil || state != stepup.SessionPendingStepUp {
		t.Fatalf("expected LOGIN grant destroyed, state=%s err=%v", state, err)
	}
}

func TestGrantsAreSessionBound(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); err != nil {
		t.Fatalf("IssuePrimaryGrant failed: %v", err)
	}
	if state, _ := h.engine.GetSessionState(ctx, testAdmin, "another-session", homeContext); state != stepup.SessionPendingStepUp {
		t.Fatal("expected other session to be pending")
	}
	if state, _ := h.engine.GetSessionState(ctx, 2, testToken, homeContext); state != stepup.SessionPendingStepUp {
		t.Fatal("expected other admin to be pending")
	}
}

/*
====================================
Issuance
====================================
*/

func TestIssuePrimaryGrantPersistsHashesOnly(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.engine.IssuePrimaryGrant(context.Background(), testAdmin, testToken, homeContext); err != nil {
		t.Fatalf("IssuePrimaryGrant failed: %v", err)
	}
	grants := h.store.Grants()
	if len(grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(grants))
	}
	g := grants[0]
	binder := stepup.RiskBinder{}
	if g.SessionID == testToken || g.SessionID != binder.SessionID(testToken) || len(g.SessionID) != 64 {
		t.Fatalf("expected hashed session id, got %q", g.SessionID)
	}
	if g.RiskContextHash != binder.Fingerprint(homeContext) {
		t.Fatalf("unexpected risk hash %q", g.RiskContextHash)
	}
	if g.Scope != stepup.ScopeLogin || g.SingleUse {
		t.Fatalf("expected reusable LOGIN grant, got %+v", g)
	}
	if want := stepup.DefaultConfig().Grant.Policy[stepup.ScopeLogin].TTL; g.ExpiresAt.Sub(g.IssuedAt) != want {
		t.Fatalf("expected TTL %s, got %s", want, g.ExpiresAt.Sub(g.IssuedAt))
	}

	audit := h.store.AuditEvents()
	if len(audit) != 1 || audit[0].EventType != "step_up_primary_issued" || !audit[0].Success {
		t.Fatalf("unexpected audit trail %+v", audit)
	}
	if audit[0].SessionID != g.SessionID || audit[0].Scope != "LOGIN" || audit[0].ID == "" {
		t.Fatalf("unexpected audit event %+v", audit[0])
	}
}

func TestIssueOverwritesStaleGrant(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	h.clock.Advance(time.Hour)
	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}

	grants := h.store.Grants()
	if len(grants) != 1 {
		t.Fatalf("expected one grant per key, got %d", len(grants))
	}
	if !grants[0].IssuedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected reissued grant, got %+v", grants[0])
	}
	ok, err := h.engine.HasGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, otherContext)
	if err != nil || !ok {
		t.Fatalf("expected reissued grant usable, ok=%v err=%v", ok, err)
	}
}

func TestIssueFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.Fail(memory.OpAudit, errBoom)

	err := h.engine.IssuePrimaryGrant(context.Background(), testAdmin, testToken, homeContext)
	if !errors.Is(err, stepup.ErrAuditWriteFailed) {
		t.Fatalf("expected audit failure, got %v", err)
	}
	if len(h.store.Grants()) != 0 {
		t.Fatal("expected grant rolled back")
	}
	if got := h.store.Stats(); got.Rollbacks != 1 || got.Commits != 0 {
		t.Fatalf("expected one rollback, got %+v", got)
	}
}

func TestIssueBeginAndCommitFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.store.Fail(memory.OpBegin, errBoom)
	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); !errors.Is(err, stepup.ErrTransactionFailed) {
		t.Fatalf("expected begin failure, got %v", err)
	}
	h.store.Fail(memory.OpBegin, nil)

	h.store.Fail(memory.OpCommit, errBoom)
	if err := h.engine.IssuePrimaryGrant(ctx, testAdmin, testToken, homeContext); !errors.Is(err, stepup.ErrTransactionFailed) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if len(h.store.Grants()) != 0 || len(h.store.AuditEvents()) != 0 {
		t.Fatal("expected nothing persisted after failed commit")
	}
}

func TestRevokeGrant(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.engine.IssueScopedGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement, homeContext); err != nil {
		t.Fatalf("IssueScopedGrant failed: %v", err)
	}
	revoked, err := h.engine.RevokeGrant(stepup.WithClientIP(ctx, homeContext.IP), testAdmin, testToken, stepup.ScopeAdminManagement)
	if err != nil || !revoked {
		t.Fatalf("expected revocation, revoked=%v err=%v", revoked, err)
	}
	revoked, err = h.engine.RevokeGrant(ctx, testAdmin, testToken, stepup.ScopeAdminManagement)
	if err != nil || revoked {
		t.Fatalf("expected nothing left to revoke, revoked=%v err=%v", revoked, err)
	}

	audit := h.store.AuditEvents()
	if len(audit) != 2 || audit[1].EventType != "step_up_revoked" || audit[1].IP != homeContext.IP {
		t.Fatalf("unexpected audit trail %+v", audit)
	}
}

/*
====================================
Denials
====================================
*/

func TestLogDenialWritesAuthoritativeEvent(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.engine.LogDenial(context.Background(), testAdmin, testToken, stepup.ScopeContentPublishing, homeContext); err != nil {
		t.Fatalf("LogDenial failed: %v", err)
	}
	audit := h.store.AuditEvents()
	if len(audit) != 1 {
		t.Fatalf("expected one audit event, got %d", len(audit))
	}
	e := audit[0]
	if e.EventType != "step_up_denied" || e.Success || e.Error != "step_up_required" || e.Scope != "CONTENT_PUBLISHING" {
		t.Fatalf("unexpected denial event %+v", e)
	}
	if h.metric(stepup.MetricDenialLogged) != 1 {
		t.Fatal("expected denial metric")
	}
}

func TestLogDenialFailurePropagates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.Fail(memory.OpAudit, errBoom)

	err := h.engine.LogDenial(context.Background(), testAdmin, testToken, stepup.ScopeSecurity, homeContext)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected failure to propagate, got %v", err)
	}
}
