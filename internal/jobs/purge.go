// Package jobs runs the background maintenance of the stepupd daemon.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Purger deletes grants that expired before now. store/postgres.Store and
// store/memory.Store implement it.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// PurgeJob periodically removes expired grants. Expired grants are already inert, so the
// job only bounds table growth.
type PurgeJob struct {
	purger   Purger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPurgeJob returns a job purging every interval.
func NewPurgeJob(purger Purger, interval time.Duration, logger zerolog.Logger) *PurgeJob {
	return &PurgeJob{
		purger:   purger,
		interval: interval,
		timeout:  30 * time.Second,
		now:      time.Now,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs one purge immediately and then one per interval. A non-positive interval
// disables the job.
func (j *PurgeJob) Start() {
	if j.interval <= 0 {
		j.logger.Info().Msg("grant purge job disabled")
		return
	}
	j.wg.Add(1)
	go j.run()
	j.logger.Info().Dur("interval", j.interval).Msg("grant purge job started")
}

// Stop ends the loop and waits for an in-flight purge.
func (j *PurgeJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
	})
	j.wg.Wait()
}

func (j *PurgeJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(context.Background())

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunOnce(context.Background())
		}
	}
}

// RunOnce purges once and returns the number of removed grants.
func (j *PurgeJob) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	count, err := j.purger.PurgeExpired(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to purge expired grants")
		return 0
	}
	if count > 0 {
		j.logger.Info().Int("count", count).Msg("purged expired grants")
	}
	return count
}
