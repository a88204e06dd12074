package repository

import (
	"context"
	"errors"
	"time"

	"botlink/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrLinkExists = errors.New("account link exists")

type AccountLinkRepository interface {
	GetByWebUser(ctx context.Context, webUserID uuid.UUID) (*entity.AccountLink, error)
	GetByMessagingUser(ctx context.Context, messagingUserID int64) (*entity.AccountLink, error)
	CreateLink(ctx context.Context, link *entity.AccountLink) error
	RemoveLink(ctx context.Context, webUserID uuid.UUID) error
	TouchLastUsed(ctx context.Context, webUserID uuid.UUID, usedAt time.Time) error
}

type accountLinkRepository struct {
	db *gorm.DB
}

func NewAccountLinkRepository(db *gorm.DB) AccountLinkRepository {
	return &accountLinkRepository{db: db}
}

func (r *accountLinkRepository) GetByWebUser(ctx context.Context, webUserID uuid.UUID) (*entity.AccountLink, error) {
	var link entity.AccountLink
	err := r.db.WithContext(ctx).
		Where("web_user_id = ?", webUserID).
		First(&link).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *accountLinkRepository) GetByMessagingUser(ctx context.Context, messagingUserID int64) (*entity.AccountLink, error) {
	var link entity.AccountLink
	err := r.db.WithContext(ctx).
		Where("messaging_user_id = ?", messagingUserID).
		First(&link).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// CreateLink is a bare insert guarded by the primary key on web_user_id and
// the unique index on messaging_user_id. A collision on either side fails
// closed; existing rows are never overwritten.
func (r *accountLinkRepository) CreateLink(ctx context.Context, link *entity.AccountLink) error {
	err := r.db.WithContext(ctx).Create(link).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrLinkExists
	}
	return err
}

// RemoveLink is idempotent; removing an absent link is a no-op.
func (r *accountLinkRepository) RemoveLink(ctx context.Context, webUserID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("web_user_id = ?", webUserID).
		Delete(&entity.AccountLink{}).
		Error
}

func (r *accountLinkRepository) TouchLastUsed(ctx context.Context, webUserID uuid.UUID, usedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.AccountLink{}).
		Where("web_user_id = ?", webUserID).
		Update("last_used_at", &usedAt).
		Error
}
