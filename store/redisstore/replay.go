package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "stepup:totp:used:"

// ReplayGuard records accepted TOTP codes as redis keys that expire with the code's
// validity window, so a code is accepted once per admin across every engine instance.
type ReplayGuard struct {
	redis redis.UniversalClient
}

// NewReplayGuard creates a ReplayGuard on client.
func NewReplayGuard(client redis.UniversalClient) *ReplayGuard {
	return &ReplayGuard{redis: client}
}

func replayKey(adminID int64, code string) string {
	return replayKeyPrefix + strconv.FormatInt(adminID, 10) + ":" + code
}

// Claim implements stepup.ReplayGuard with SET NX.
func (g *ReplayGuard) Claim(ctx context.Context, adminID int64, code string, ttl time.Duration) (bool, error) {
	ok, err := g.redis.SetNX(ctx, replayKey(adminID, code), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
	}
	return ok, nil
}
