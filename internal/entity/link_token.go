package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TokenType string

const (
	WebToBot TokenType = "web_to_bot"
	BotToWeb TokenType = "bot_to_web"
)

type Audience string

const (
	AudienceWeb Audience = "web"
	AudienceBot Audience = "bot"
)

// LinkToken is a single-use linking/login token. Only the keyed hash of the
// bearer value is stored; the raw value leaves the service exactly once,
// embedded in a deep link.
type LinkToken struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	TokenHash string    `gorm:"type:text;not null;uniqueIndex"`
	TokenType TokenType `gorm:"type:varchar(16);not null;index"`
	Nonce     string    `gorm:"type:text;not null"`

	SubjectWebUserID       *uuid.UUID `gorm:"type:uuid;index"`
	SubjectMessagingUserID *int64     `gorm:"index"`

	Audience Audience `gorm:"type:varchar(8);not null"`

	IssuedAt   time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	ConsumedAt *time.Time

	IssuerIPHash *string `gorm:"type:varchar(64)"`
}

func (t *LinkToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
