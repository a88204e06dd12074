package entity

import (
	"time"

	"github.com/google/uuid"
)

// AccountLink binds a web account to a messaging identity. Both columns are
// unique, so the mapping stays a bijection at the database level.
type AccountLink struct {
	WebUserID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	MessagingUserID int64     `gorm:"not null;uniqueIndex"`

	// Display value only, never used for identity decisions.
	MessagingDisplayName string `gorm:"type:varchar(128)"`

	LinkedAt   time.Time `gorm:"not null"`
	LastUsedAt *time.Time
}
