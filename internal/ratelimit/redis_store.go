package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"botlink/internal/entity"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyCounter = "botlink:rl:%s:%s:%d"
	keyStreak  = "botlink:rl:streak:%s"
)

// RedisStore shares counters across instances through redis. Counter keys
// expire with their window, so there is nothing to reap.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, subjectKey string, tokenType entity.TokenType, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf(keyCounter, tokenType, subjectKey, windowStart.Unix())

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) FailureStreak(ctx context.Context, subjectKey string) (int64, time.Time, error) {
	values, err := s.client.HGetAll(ctx, fmt.Sprintf(keyStreak, subjectKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, err
	}
	if len(values) == 0 {
		return 0, time.Time{}, nil
	}
	streak, _ := strconv.ParseInt(values["streak"], 10, 64)
	lastUnix, _ := strconv.ParseInt(values["last"], 10, 64)
	return streak, time.Unix(lastUnix, 0), nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, subjectKey string, at time.Time) error {
	key := fmt.Sprintf(keyStreak, subjectKey)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "streak", 1)
	pipe.HSet(ctx, key, "last", at.Unix())
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ResetFailures(ctx context.Context, subjectKey string) error {
	return s.client.Del(ctx, fmt.Sprintf(keyStreak, subjectKey)).Err()
}

func (s *RedisStore) Cleanup(ctx context.Context, before time.Time) error {
	// Keys carry their own TTL.
	return nil
}
