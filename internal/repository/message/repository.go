package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/selimgur/whatsflow/internal/domain"
)

type Repository interface {
	// UpsertByProviderID inserts the message unless a row with the same
	// provider message id already exists. This is the idempotency boundary
	// against provider webhook retries and broker redelivery: replaying the
	// same id N times yields exactly one row. Reports whether a row was
	// created.
	UpsertByProviderID(ctx context.Context, msg *domain.Message) (bool, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (*domain.Message, error)
	// UpdateStatus sets the delivery status and merges the given metadata
	// keys into the stored metadata without clobbering unrelated keys.
	UpdateStatus(ctx context.Context, msg *domain.Message, status domain.MessageStatus, metadata map[string]any) error
	ListByConversation(ctx context.Context, conversationID, limit, offset int) ([]domain.Message, error)
}

type repo struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

func (r *repo) UpsertByProviderID(ctx context.Context, msg *domain.Message) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_message_id"}},
			DoNothing: true,
		}).
		Create(msg)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// GetByProviderID returns nil without error when the message is not known
// yet; status callbacks may race ahead of message creation.
func (r *repo) GetByProviderID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *repo) UpdateStatus(ctx context.Context, msg *domain.Message, status domain.MessageStatus, metadata map[string]any) error {
	if len(metadata) > 0 {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			msg.Metadata[k] = v
		}
	}
	now := time.Now().UTC()
	msg.UpdatedAt = &now
	msg.Status = status
	return r.db.WithContext(ctx).Save(msg).Error
}

func (r *repo) ListByConversation(ctx context.Context, conversationID, limit, offset int) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	return messages, err
}
