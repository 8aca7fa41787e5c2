package capacity

import (
	"context"
	"fmt"
	"strconv"

	"callback-scheduler/internal/carrier"

	"github.com/redis/go-redis/v9"
)

// RedisOracle reads free-slot counters published by the SIM gateway.
//
// Key layout (one hash-free, MGET-friendly namespace per department):
//
//	simbank:{dep}:free:mts
//	simbank:{dep}:free:ks
//	simbank:{dep}:free:life
//	simbank:{dep}:free:all
//	simbank:{dep}:free:all_trunk
//	simbank:{dep}:trunk_enabled   ("0"/"1")
//
// Missing keys read as zero/disabled, so a gateway restart degrades to
// "no capacity" rather than an error.
type RedisOracle struct {
	rdb *redis.Client
}

func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

func (o *RedisOracle) Snapshot(ctx context.Context, departmentID int64) (Snapshot, error) {
	if o.rdb == nil {
		return Snapshot{}, fmt.Errorf("capacity: redis client is nil")
	}

	tags := append(carrier.Real(), carrier.TagAll, carrier.TagAllTrunk)
	keys := make([]string, 0, len(tags)+1)
	for _, tag := range tags {
		keys = append(keys, fmt.Sprintf("simbank:%d:free:%s", departmentID, tag))
	}
	keys = append(keys, fmt.Sprintf("simbank:%d:trunk_enabled", departmentID))

	vals, err := o.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("capacity: mget failed: %w", err)
	}

	snap := Snapshot{Free: make(map[carrier.Tag]int, len(tags))}
	for i, tag := range tags {
		snap.Free[tag] = parseCount(vals[i])
	}
	snap.TrunkEnabled = parseCount(vals[len(tags)]) == 1
	return snap, nil
}

// parseCount tolerates nil (missing key) and garbage values; counts are
// clamped to non-negative per the snapshot invariant.
func parseCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
