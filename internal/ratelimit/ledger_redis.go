package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every failure talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisLedger keeps one sorted set per subject. Scores are unix
// milliseconds; members are "<unix nanos>:<weight>:<uuid>" so identical
// events stay distinct. Keys expire one TTL after their last write, which
// bounds memory even if the pruner never runs.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger under keyPrefix. ttl should be at least
// the limiter's window.
func NewRedisLedger(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{
		client: client,
		prefix: keyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisLedger) key(subjectID int64) string {
	return r.prefix + strconv.FormatInt(subjectID, 10)
}

func (r *RedisLedger) Append(ctx context.Context, subjectID int64, weight int, at time.Time) error {
	key := r.key(subjectID)
	member := fmt.Sprintf("%d:%d:%s", at.UnixNano(), weight, uuid.NewString())

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (r *RedisLedger) Sum(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(subjectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var sum int64
	for _, member := range members {
		weight, ok := memberWeight(member)
		if !ok {
			continue
		}
		sum += weight
	}
	return sum, nil
}

// Prune walks every key under the prefix and trims old members.
func (r *RedisLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := strconv.FormatInt(cutoff.UnixMilli(), 10)

	var removed int64
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", upper).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return removed, nil
}

// memberWeight extracts the weight from a member string.
func memberWeight(member string) (int64, bool) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return 0, false
	}
	weight, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return weight, true
}

// NewRedisClient builds a client from connection settings and checks it is
// reachable.
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return client, nil
}
