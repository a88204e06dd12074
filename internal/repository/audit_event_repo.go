package repository

import (
	"context"

	"botlink/internal/entity"

	"gorm.io/gorm"
)

type AuditEventRepository interface {
	Log(ctx context.Context, event *entity.AuditEvent) error
}

type auditEventRepository struct {
	db *gorm.DB
}

func NewAuditEventRepository(db *gorm.DB) AuditEventRepository {
	return &auditEventRepository{db: db}
}

func (r *auditEventRepository) Log(ctx context.Context, event *entity.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}
