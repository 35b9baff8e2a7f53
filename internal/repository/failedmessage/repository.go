package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/selimgur/whatsflow/internal/domain"
)

type Repository interface {
	Create(ctx context.Context, fm *domain.FailedMessage) error
	GetByID(ctx context.Context, id int) (*domain.FailedMessage, error)
	List(ctx context.Context, status domain.FailedMessageStatus, limit, offset int) ([]domain.FailedMessage, error)
	UpdateStatus(ctx context.Context, id int, status domain.FailedMessageStatus) error
	// RecordAttempt overwrites the error fields and retry count after a
	// further failed attempt on an existing record.
	RecordAttempt(ctx context.Context, id int, code int, message, details string, retryCount int, status domain.FailedMessageStatus) error
}

type repo struct {
	db *gorm.DB
}

func NewFailedMessageRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

func (r *repo) Create(ctx context.Context, fm *domain.FailedMessage) error {
	return r.db.WithContext(ctx).Create(fm).Error
}

func (r *repo) GetByID(ctx context.Context, id int) (*domain.FailedMessage, error) {
	var fm domain.FailedMessage
	if err := r.db.WithContext(ctx).First(&fm, id).Error; err != nil {
		return nil, err
	}
	return &fm, nil
}

func (r *repo) List(ctx context.Context, status domain.FailedMessageStatus, limit, offset int) ([]domain.FailedMessage, error) {
	var records []domain.FailedMessage
	tx := r.db.WithContext(ctx)
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	err := tx.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

func (r *repo) UpdateStatus(ctx context.Context, id int, status domain.FailedMessageStatus) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.FailedMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": &now,
		}).Error
}

func (r *repo) RecordAttempt(ctx context.Context, id int, code int, message, details string, retryCount int, status domain.FailedMessageStatus) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.FailedMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"error_code":    code,
			"error_message": message,
			"error_details": details,
			"retry_count":   retryCount,
			"status":        status,
			"updated_at":    &now,
		}).Error
}
