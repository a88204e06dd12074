package repository

import (
	"context"
	"errors"
	"time"

	"botlink/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrDuplicateTokenHash    = errors.New("duplicate token hash")
	ErrTokenNotFound         = errors.New("token not found")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenAlreadyUsed      = errors.New("token already used")
	ErrTokenAudienceMismatch = errors.New("token audience mismatch")
)

type LinkTokenRepository interface {
	Create(ctx context.Context, token *entity.LinkToken) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.LinkToken, error)
	ConsumeIfValid(ctx context.Context, id uuid.UUID, audience entity.Audience, now time.Time) (*entity.LinkToken, error)
	Reap(ctx context.Context, now time.Time) (int64, error)
}

type linkTokenRepository struct {
	db *gorm.DB
}

func NewLinkTokenRepository(db *gorm.DB) LinkTokenRepository {
	return &linkTokenRepository{db: db}
}

func (r *linkTokenRepository) Create(ctx context.Context, t *entity.LinkToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTokenHash
	}
	return err
}

func (r *linkTokenRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.LinkToken, error) {
	var token entity.LinkToken
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&token).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ConsumeIfValid marks the token consumed in a single conditional update, so
// only one caller across any number of processes can ever win a given token.
// Losers get a specific, loggable reason.
func (r *linkTokenRepository) ConsumeIfValid(
	ctx context.Context,
	id uuid.UUID,
	audience entity.Audience,
	now time.Time,
) (*entity.LinkToken, error) {

	result := r.db.WithContext(ctx).
		Model(&entity.LinkToken{}).
		Where("id = ? AND consumed_at IS NULL AND expires_at > ? AND audience = ?", id, now, audience).
		Update("consumed_at", &now)
	if result.Error != nil {
		return nil, result.Error
	}

	var token entity.LinkToken
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	if result.RowsAffected == 1 {
		return &token, nil
	}

	// Expiry wins over any other rejection so a dead token never changes its
	// answer over time.
	switch {
	case !token.ExpiresAt.After(now):
		return nil, ErrTokenExpired
	case token.ConsumedAt != nil:
		return nil, ErrTokenAlreadyUsed
	case token.Audience != audience:
		return nil, ErrTokenAudienceMismatch
	default:
		return nil, ErrTokenNotFound
	}
}

func (r *linkTokenRepository) Reap(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&entity.LinkToken{})
	return result.RowsAffected, result.Error
}
