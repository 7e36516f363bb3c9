package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/stepup"
	"github.com/MrEthical07/stepup/store/memory"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context, time.Time) (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestRunOnceRemovesExpiredGrants(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	ctx, err := store.Begin(context.Background())
	require.NoError(t, err)
	for i, ttl := range []time.Duration{-time.Minute, time.Hour} {
		require.NoError(t, store.Save(ctx, stepup.Grant{
			AdminID:         int64(i + 1),
			SessionID:       "sid",
			Scope:           stepup.ScopeSecurity,
			RiskContextHash: "risk",
			IssuedAt:        now.Add(ttl - time.Minute),
			ExpiresAt:       now.Add(ttl),
		}))
	}
	require.NoError(t, store.Commit(ctx))

	job := NewPurgeJob(store, time.Minute, zerolog.Nop())
	job.now = func() time.Time { return now }

	assert.Equal(t, 1, job.RunOnce(context.Background()))
	assert.Len(t, store.Grants(), 1)
	assert.Equal(t, 0, job.RunOnce(context.Background()))
}

func TestRunOnceLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewPurgeJob(&countingPurger{err: errors.New("db down")}, time.Minute, zerolog.New(&buf))

	assert.Equal(t, 0, job.RunOnce(context.Background()))
	assert.Contains(t, buf.String(), "failed to purge expired grants")
	assert.Contains(t, buf.String(), "db down")
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	purger := &countingPurger{}
	job := NewPurgeJob(purger, time.Hour, zerolog.Nop())

	job.Start()
	require.Eventually(t, func() bool { return purger.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	job.Stop()
	job.Stop()
	assert.Equal(t, int32(1), purger.calls.Load())
}

func TestStartDisabled(t *testing.T) {
	purger := &countingPurger{}
	job := NewPurgeJob(purger, 0, zerolog.Nop())

	job.Start()
	job.Stop()
	assert.Equal(t, int32(0), purger.calls.Load())
}
