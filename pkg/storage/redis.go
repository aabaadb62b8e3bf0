package storage

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed incr_expire.lua
var incrExpireScript string

//go:embed acquire_moving_window.lua
var acquireMovingWindowScript string

//go:embed moving_window.lua
var movingWindowScript string

//go:embed acquire_sliding_window.lua
var acquireSlidingWindowScript string

//go:embed sliding_window.lua
var slidingWindowScript string

//go:embed clear_keys.lua
var clearKeysScript string

var (
	incrExpireLua           = redis.NewScript(incrExpireScript)
	acquireMovingWindowLua  = redis.NewScript(acquireMovingWindowScript)
	movingWindowLua         = redis.NewScript(movingWindowScript)
	acquireSlidingWindowLua = redis.NewScript(acquireSlidingWindowScript)
	slidingWindowLua        = redis.NewScript(slidingWindowScript)
	clearKeysLua            = redis.NewScript(clearKeysScript)
)

// Redis is a storage backend for the Redis family of servers. It implements
// every capability; each window-mutating operation executes as a single Lua
// script, so it is atomic in one round trip.
//
// The backend accepts a redis.UniversalClient, which covers single-node,
// cluster and sentinel/failover deployments. The sliding window key pair is
// wrapped in hash-tag braces so both counters hash to the same cluster slot.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	wrapErrors bool
}

type RedisOption func(*Redis)

// WithPrefix overrides the key prefix (default "limits:").
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithWrapErrors makes the backend wrap client errors in StorageError.
func WithWrapErrors() RedisOption {
	return func(r *Redis) { r.wrapErrors = true }
}

// NewRedis constructs a Redis backend and verifies connectivity with a ping.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client: client,
		prefix: "limits:",
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapError(err, r.wrapErrors)
	}
	return r, nil
}

func (r *Redis) prefixed(key string) string {
	return r.prefix + key
}

// currentWindowKey wraps the key in hash-tag braces so the current and the
// previous sliding window counters land on the same cluster node.
func (r *Redis) currentWindowKey(key string) string {
	return "{" + r.prefixed(key) + "}"
}

func (r *Redis) previousWindowKey(key string) string {
	return r.currentWindowKey(key) + "/-1"
}

func (r *Redis) Incr(ctx context.Context, key string, expiry time.Duration, elastic bool, amount int64) (int64, error) {
	key = r.prefixed(key)
	seconds := int64(math.Ceil(expiry.Seconds()))

	if elastic {
		var incr *redis.IntCmd
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.IncrBy(ctx, key, amount)
			pipe.Expire(ctx, key, expiry)
			return nil
		})
		if err != nil {
			return 0, wrapError(err, r.wrapErrors)
		}
		return incr.Val(), nil
	}

	value, err := incrExpireLua.Run(ctx, r.client, []string{key}, seconds, amount).Int64()
	if err != nil {
		return 0, wrapError(err, r.wrapErrors)
	}
	return value, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Get(ctx, r.prefixed(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wrapError(err, r.wrapErrors)
	}
	return value, nil
}

func (r *Redis) Expiry(ctx context.Context, key string) (time.Time, error) {
	ttl, err := r.client.TTL(ctx, r.prefixed(key)).Result()
	if err != nil {
		return time.Time{}, wrapError(err, r.wrapErrors)
	}
	if ttl < 0 {
		ttl = 0
	}
	return time.Now().Add(ttl), nil
}

func (r *Redis) Clear(ctx context.Context, key string) error {
	return wrapError(r.client.Del(ctx, r.prefixed(key)).Err(), r.wrapErrors)
}

func (r *Redis) Check(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Reset deletes every key under the backend's prefix. The underlying script
// scans with KEYS, which is fine for tests and small deployments but can be
// slow on very large data sets.
func (r *Redis) Reset(ctx context.Context) error {
	err := clearKeysLua.Run(ctx, r.client, []string{}, r.prefixed("*")).Err()
	return wrapError(err, r.wrapErrors)
}

func (r *Redis) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	acquired, err := acquireMovingWindowLua.Run(ctx, r.client,
		[]string{r.prefixed(key)},
		now, limit, int64(math.Ceil(expiry.Seconds())), amount,
	).Int64()
	if err != nil {
		return false, wrapError(err, r.wrapErrors)
	}
	return acquired == 1, nil
}

func (r *Redis) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	now := time.Now()
	start := float64(now.UnixNano())/float64(time.Second) - expiry.Seconds()

	res, err := movingWindowLua.Run(ctx, r.client, []string{r.prefixed(key)}, start, limit).Slice()
	if err != nil {
		return time.Time{}, 0, wrapError(err, r.wrapErrors)
	}
	if len(res) != 2 {
		return time.Time{}, 0, wrapError(fmt.Errorf("unexpected moving window reply: %v", res), r.wrapErrors)
	}
	count, _ := res[1].(int64)
	if count == 0 {
		return now, 0, nil
	}
	oldest, err := strconv.ParseFloat(res[0].(string), 64)
	if err != nil {
		return time.Time{}, 0, wrapError(err, r.wrapErrors)
	}
	return time.Unix(0, int64(oldest*float64(time.Second))), count, nil
}

func (r *Redis) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	acquired, err := acquireSlidingWindowLua.Run(ctx, r.client,
		[]string{r.previousWindowKey(key), r.currentWindowKey(key)},
		limit, expiry.Milliseconds(), amount,
	).Int64()
	if err != nil {
		return false, wrapError(err, r.wrapErrors)
	}
	return acquired == 1, nil
}

func (r *Redis) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	res, err := slidingWindowLua.Run(ctx, r.client,
		[]string{r.previousWindowKey(key), r.currentWindowKey(key)},
		expiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return SlidingWindowState{}, wrapError(err, r.wrapErrors)
	}
	if len(res) != 4 {
		return SlidingWindowState{}, wrapError(fmt.Errorf("unexpected sliding window reply: %v", res), r.wrapErrors)
	}
	return SlidingWindowState{
		PreviousCount: res[0],
		PreviousTTL:   time.Duration(res[1]) * time.Millisecond,
		CurrentCount:  res[2],
		CurrentTTL:    time.Duration(res[3]) * time.Millisecond,
	}, nil
}

func (r *Redis) ClearSlidingWindow(ctx context.Context, key string, expiry time.Duration) error {
	err := r.client.Del(ctx, r.previousWindowKey(key), r.currentWindowKey(key)).Err()
	return wrapError(err, r.wrapErrors)
}
