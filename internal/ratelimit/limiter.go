package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botlink/internal/entity"
)

var ErrRateLimited = errors.New("rate limited")

// Store holds the shared counters. Implementations must make Increment
// atomic against concurrent callers for the same key; everything else is
// best effort.
type Store interface {
	Increment(ctx context.Context, subjectKey string, tokenType entity.TokenType, windowStart time.Time, ttl time.Duration) (int64, error)
	FailureStreak(ctx context.Context, subjectKey string) (int64, time.Time, error)
	RecordFailure(ctx context.Context, subjectKey string, at time.Time) error
	ResetFailures(ctx context.Context, subjectKey string) error
	Cleanup(ctx context.Context, before time.Time) error
}

type Limiter struct {
	store Store

	// Progressive delay applied to consecutive verification failures.
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewLimiter(store Store, baseDelay, maxDelay time.Duration) *Limiter {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Limiter{store: store, baseDelay: baseDelay, maxDelay: maxDelay}
}

// CheckAndIncrement counts this attempt and rejects once the fixed window
// holds more than limit attempts.
func (l *Limiter) CheckAndIncrement(
	ctx context.Context,
	subjectKey string,
	tokenType entity.TokenType,
	limit int64,
	window time.Duration,
	now time.Time,
) error {
	if limit <= 0 {
		return nil
	}
	windowStart := now.Truncate(window)
	count, err := l.store.Increment(ctx, windowKey(subjectKey, window), tokenType, windowStart, window)
	if err != nil {
		return err
	}
	if count > limit {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter reports how long the subject must still wait after its previous
// verification failures. Zero means the attempt may proceed.
func (l *Limiter) RetryAfter(ctx context.Context, subjectKey string, now time.Time) (time.Duration, error) {
	streak, lastFailure, err := l.store.FailureStreak(ctx, subjectKey)
	if err != nil {
		return 0, err
	}
	if streak <= 0 {
		return 0, nil
	}
	delay := l.baseDelay
	for i := int64(1); i < streak && delay < l.maxDelay; i++ {
		delay *= 2
	}
	if delay > l.maxDelay {
		delay = l.maxDelay
	}
	wait := lastFailure.Add(delay).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

func (l *Limiter) RecordFailure(ctx context.Context, subjectKey string, now time.Time) error {
	return l.store.RecordFailure(ctx, subjectKey, now)
}

func (l *Limiter) ResetFailures(ctx context.Context, subjectKey string) error {
	return l.store.ResetFailures(ctx, subjectKey)
}

func (l *Limiter) Cleanup(ctx context.Context, before time.Time) error {
	return l.store.Cleanup(ctx, before)
}

// windowKey scopes a counter to its window length. Limits over different
// windows for the same subject must never share a row; their window starts
// coincide whenever the longer window begins.
func windowKey(subjectKey string, window time.Duration) string {
	return fmt.Sprintf("%s|%s", subjectKey, window)
}

// UserKey, MessagingUserKey and IPKey build subject keys so the independent
// per-user and per-IP counters never collide.
func UserKey(webUserID string) string {
	return "user:" + webUserID
}

func MessagingUserKey(messagingUserID int64) string {
	return fmt.Sprintf("msg:%d", messagingUserID)
}

func IPKey(ipHash string) string {
	return "ip:" + ipHash
}
