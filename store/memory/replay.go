package memory

import (
	"context"
	"sync"
	"time"
)

type replayKey struct {
	adminID int64
	code    string
}

// ReplayGuard is an in-process stepup.ReplayGuard. Expired claims are swept on each Claim.
type ReplayGuard struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[replayKey]time.Time
}

// NewReplayGuard returns an empty ReplayGuard reading time from now, or time.Now if nil.
func NewReplayGuard(now func() time.Time) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{now: now, claims: make(map[replayKey]time.Time)}
}

// Claim implements stepup.ReplayGuard.
func (g *ReplayGuard) Claim(_ context.Context, adminID int64, code string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.claims {
		if !now.Before(exp) {
			delete(g.claims, k)
		}
	}

	key := replayKey{adminID: adminID, code: code}
	if _, used := g.claims[key]; used {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}
