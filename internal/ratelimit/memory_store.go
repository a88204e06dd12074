package ratelimit

import (
	"context"
	"sync"
	"time"

	"botlink/internal/entity"
)

type memoryCounterKey struct {
	subjectKey  string
	tokenType   entity.TokenType
	windowStart time.Time
}

// MemoryStore keeps counters in process memory. Good for tests and
// single-instance deployments; multi-instance deployments should use the
// gorm or redis store so all instances agree.
type MemoryStore struct {
	mutex    sync.Mutex
	counters map[memoryCounterKey]int64
	streaks  map[string]streakEntry
}

type streakEntry struct {
	streak int64
	last   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[memoryCounterKey]int64),
		streaks:  make(map[string]streakEntry),
	}
}

func (s *MemoryStore) Increment(ctx context.Context, subjectKey string, tokenType entity.TokenType, windowStart time.Time, ttl time.Duration) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryCounterKey{subjectKey: subjectKey, tokenType: tokenType, windowStart: windowStart}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryStore) FailureStreak(ctx context.Context, subjectKey string) (int64, time.Time, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.streaks[subjectKey]
	return entry.streak, entry.last, nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, subjectKey string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.streaks[subjectKey]
	entry.streak++
	entry.last = at
	s.streaks[subjectKey] = entry
	return nil
}

func (s *MemoryStore) ResetFailures(ctx context.Context, subjectKey string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.streaks, subjectKey)
	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, before time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key := range s.counters {
		if key.windowStart.Before(before) {
			delete(s.counters, key)
		}
	}
	for subjectKey, entry := range s.streaks {
		if entry.last.Before(before) {
			delete(s.streaks, subjectKey)
		}
	}
	return nil
}
