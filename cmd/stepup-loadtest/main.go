// Command stepup-loadtest drives concurrent grant checks, single-use consumption races
// and TOTP verification against a step-up engine and reports latency percentiles.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/stepup"
	"github.com/MrEthical07/stepup/store/memory"
	"github.com/MrEthical07/stepup/store/postgres"
	"github.com/MrEthical07/stepup/store/redisstore"
	"github.com/MrEthical07/stepup/totp"
)

const loadSecret = "JBSWY3DPEHPK3PXP"

type backend interface {
	stepup.Backend
	stepup.TOTPEnroller
	totp.SecretStore
}

func main() {
	var (
		admins      = flag.Int("admins", 1000, "number of admin sessions to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase")
		race        = flag.Int("race", 8, "goroutines racing for each single-use grant")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		databaseURL = flag.String("database-url", "", "postgres URL; if empty, the in-memory store is used")
	)
	flag.Parse()

	if *admins <= 0 || *concurrency <= 0 || *ops <= 0 || *race <= 0 {
		fmt.Fprintln(os.Stderr, "admins, concurrency, ops and race must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	client, cleanupRedis := openRedis(*redisAddr)
	defer cleanupRedis()

	store, cleanupStore := openStore(ctx, *databaseURL)
	defer cleanupStore()

	cfg := stepup.DefaultConfig()
	cfg.Metrics.Enabled = true
	// Verification phase workers share admins; keep the limiter out of the way.
	cfg.TOTP.MaxAttempts = *ops
	totpCfg := totp.ConfigFrom(cfg.TOTP)
	verifier := totp.NewVerifier(store, totpCfg)

	engine, err := stepup.New().
		WithConfig(cfg).
		WithBackend(store).
		WithSecurityEventRecorder(stepup.NoOpRecorder{}).
		WithTOTPVerifier(verifier).
		WithTOTPEnroller(store).
		WithAttemptLimiter(redisstore.NewAttemptLimiter(client, cfg.TOTP)).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	rc := stepup.RequestContext{IP: "10.0.0.1", UserAgent: "stepup-loadtest"}

	fmt.Printf("seeding %d admin sessions...\n", *admins)
	startSeed := time.Now()
	for i := 1; i <= *admins; i++ {
		id := int64(i)
		// A reused database keeps the secret from an earlier run.
		ok, err := engine.EnableTOTP(ctx, id, tokenFor(id), loadSecret, mustCode(verifier), rc)
		if errors.Is(err, stepup.ErrTOTPAlreadyEnrolled) {
			ok, err = true, nil
		}
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "enroll failed: ok=%t err=%v\n", ok, err)
			os.Exit(1)
		}
		if err := engine.IssueScopedGrant(ctx, id, tokenFor(id), stepup.ScopeAdminManagement, rc); err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	checkStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		id := int64(r.Intn(*admins) + 1)
		ok, err := engine.HasGrant(ctx, id, tokenFor(id), stepup.ScopeAdminManagement, rc)
		if err == nil && !ok {
			return fmt.Errorf("admin %d lost its grant", id)
		}
		return err
	})

	var violations int64
	raceStats := runPhase(*ops / *race, *concurrency / *race + 1, func(r *rand.Rand, i int) error {
		id := int64(i%*admins + 1)
		if err := engine.IssueScopedGrant(ctx, id, tokenFor(id), stepup.ScopeSecurity, rc); err != nil {
			return err
		}
		var (
			wg      sync.WaitGroup
			granted int64
			failed  int64
		)
		for g := 0; g < *race; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := engine.HasGrant(ctx, id, tokenFor(id), stepup.ScopeSecurity, rc)
				if err != nil {
					atomic.AddInt64(&failed, 1)
				} else if ok {
					atomic.AddInt64(&granted, 1)
				}
			}()
		}
		wg.Wait()
		if granted > 1 {
			atomic.AddInt64(&violations, 1)
		}
		if failed > 0 {
			return fmt.Errorf("%d consume calls failed", failed)
		}
		if granted == 0 {
			return fmt.Errorf("admin %d grant replaced before consumption", id)
		}
		return nil
	})

	verifyStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		id := int64(r.Intn(*admins) + 1)
		res, err := engine.VerifyTOTP(ctx, id, tokenFor(id), stepup.ScopeContentPublishing, mustCode(verifier), rc)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return fmt.Errorf("verification %s", res.Outcome)
		}
		return nil
	})

	fmt.Println("---- results ----")
	printStats("check", checkStats)
	printStats("consume-race", raceStats)
	printStats("verify", verifyStats)
	fmt.Printf("single-use violations: %d\n", violations)
	fmt.Printf("security events dropped: %d\n", engine.SecurityEventsDropped())
	if violations > 0 {
		os.Exit(1)
	}
}

func openRedis(addr string) (redis.UniversalClient, func()) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	fmt.Printf("using redis at %s\n", addr)
	return client, func() { _ = client.Close() }
}

func openStore(ctx context.Context, databaseURL string) (backend, func()) {
	if databaseURL == "" {
		fmt.Println("using in-memory store")
		return memory.New(), func() {}
	}
	if err := postgres.Migrate(databaseURL); err != nil {
		fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
		os.Exit(1)
	}
	pool, err := postgres.Connect(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("using postgres store")
	return postgres.New(pool), pool.Close
}

func runPhase(ops, concurrency int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func tokenFor(adminID int64) string {
	return "loadtest-session-" + strconv.FormatInt(adminID, 10)
}

func mustCode(v *totp.Verifier) string {
	code, err := v.Code(loadSecret, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "code generation failed: %v\n", err)
		os.Exit(1)
	}
	return code
}
