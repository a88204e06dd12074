package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditEventType string

const (
	LinkRequested  AuditEventType = "link_requested"
	LinkVerified   AuditEventType = "link_verified"
	LinkFailed     AuditEventType = "link_failed"
	LoginRequested AuditEventType = "login_requested"
	LoginVerified  AuditEventType = "login_verified"
	LoginFailed    AuditEventType = "login_failed"
	Unlinked       AuditEventType = "unlinked"
)

// Reason codes recorded on audit events. The caller-facing message may be
// generic, but the audit trail always carries the specific code.
const (
	ReasonNotFound         = "not_found"
	ReasonExpired          = "expired"
	ReasonAlreadyUsed      = "already_used"
	ReasonAudienceMismatch = "audience_mismatch"
	ReasonRateLimited      = "rate_limited"
	ReasonAlreadyLinked    = "already_linked"
	ReasonNotLinked        = "not_linked"
	ReasonInvalidRedirect  = "invalid_redirect"
)

type AuditEvent struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	EventType AuditEventType `gorm:"type:varchar(32);not null;index"`

	ActorWebUserID       *uuid.UUID `gorm:"type:uuid;index"`
	ActorMessagingUserID *int64     `gorm:"index"`

	IPHash     *string `gorm:"type:varchar(64)"`
	ReasonCode string  `gorm:"type:varchar(32)"`

	Metadata datatypes.JSON

	CreatedAt time.Time
}

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
