package entity

import "time"

// RateLimitCounter is a fixed-window attempt counter. Stale windows are
// ignored by readers and reaped lazily.
type RateLimitCounter struct {
	SubjectKey  string    `gorm:"type:varchar(128);primaryKey"`
	TokenType   TokenType `gorm:"type:varchar(16);primaryKey"`
	WindowStart time.Time `gorm:"primaryKey"`

	Count int64 `gorm:"not null;default:0"`
}

// FailureStreak backs the progressive delay applied to consecutive
// verification failures for one subject. Reset on success.
type FailureStreak struct {
	SubjectKey    string `gorm:"type:varchar(128);primaryKey"`
	Streak        int64  `gorm:"not null;default:0"`
	LastFailureAt time.Time
}
