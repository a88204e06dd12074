package ratelimit

import (
	"context"
	"errors"
	"time"

	"botlink/internal/entity"

	"gorm.io/gorm"
)

// GormStore keeps counters in the service database, so every orchestrator
// instance sees the same counts. The upsert is the atomic step; callers never
// read-then-write.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Increment(ctx context.Context, subjectKey string, tokenType entity.TokenType, windowStart time.Time, ttl time.Duration) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`INSERT INTO rate_limit_counters (subject_key, token_type, window_start, count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (subject_key, token_type, window_start)
		 DO UPDATE SET count = rate_limit_counters.count + 1
		 RETURNING count`,
		subjectKey, tokenType, windowStart,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *GormStore) FailureStreak(ctx context.Context, subjectKey string) (int64, time.Time, error) {
	var streak entity.FailureStreak
	err := s.db.WithContext(ctx).
		Where("subject_key = ?", subjectKey).
		First(&streak).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return streak.Streak, streak.LastFailureAt, nil
}

func (s *GormStore) RecordFailure(ctx context.Context, subjectKey string, at time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO failure_streaks (subject_key, streak, last_failure_at)
		 VALUES (?, 1, ?)
		 ON CONFLICT (subject_key)
		 DO UPDATE SET streak = failure_streaks.streak + 1, last_failure_at = ?`,
		subjectKey, at, at,
	).Error
}

func (s *GormStore) ResetFailures(ctx context.Context, subjectKey string) error {
	return s.db.WithContext(ctx).
		Where("subject_key = ?", subjectKey).
		Delete(&entity.FailureStreak{}).
		Error
}

func (s *GormStore) Cleanup(ctx context.Context, before time.Time) error {
	if err := s.db.WithContext(ctx).
		Where("window_start < ?", before).
		Delete(&entity.RateLimitCounter{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("last_failure_at < ?", before).
		Delete(&entity.FailureStreak{}).
		Error
}
