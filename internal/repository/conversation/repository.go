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
	// EnsureActive returns the active conversation for the customer/channel
	// pair, creating one with the given kind when none exists. The upsert is
	// idempotent: concurrent callers observe a single active row.
	EnsureActive(ctx context.Context, customerID, channelID string, kind domain.ConversationKind) (*domain.Conversation, error)
	ActiveFor(ctx context.Context, customerID string) (*domain.Conversation, error)
	ExtendExpiry(ctx context.Context, id int, lastMessageAt, expiresAt time.Time) error
	AssigneeFor(ctx context.Context, conversationID int) (string, error)
	// ExpireStale transitions active conversations whose window has passed.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type repo struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

// activeConflictClause targets the partial unique index on active rows
// (declared in domain.ConversationIndexes). Concurrent creators for the
// same customer/channel collide on it and all but one insert nothing.
func activeConflictClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "channel_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: "status", Value: string(domain.ConversationActive)},
		}},
		DoNothing: true,
	}
}

func (r *repo) EnsureActive(ctx context.Context, customerID, channelID string, kind domain.ConversationKind) (*domain.Conversation, error) {
	existing, err := r.ActiveFor(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ChannelID == channelID {
		return existing, nil
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		CustomerID:    customerID,
		ChannelID:     channelID,
		Status:        domain.ConversationActive,
		Kind:          kind,
		LastMessageAt: now,
		ExpiresAt:     now.Add(domain.WindowDuration),
	}
	res := r.db.WithContext(ctx).Clauses(activeConflictClause()).Create(&conv)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return &conv, nil
	}

	// lost the race: a concurrent caller created the active row first
	var winner domain.Conversation
	err = r.db.WithContext(ctx).
		Where("customer_id = ? AND channel_id = ? AND status = ?", customerID, channelID, domain.ConversationActive).
		First(&winner).Error
	if err != nil {
		return nil, err
	}
	return &winner, nil
}

// ActiveFor returns the customer's current active conversation, or nil when
// none is open.
func (r *repo) ActiveFor(ctx context.Context, customerID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status = ?", customerID, domain.ConversationActive).
		Order("last_message_at DESC").
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ExtendExpiry moves the window forward. Extension is monotonic by
// construction: callers only compute expiries further in the future, so a
// concurrent last-writer-wins update is acceptable.
func (r *repo) ExtendExpiry(ctx context.Context, id int, lastMessageAt, expiresAt time.Time) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_message_at": lastMessageAt,
			"expires_at":      expiresAt,
			"updated_at":      &now,
		}).Error
}

// AssigneeFor resolves the operator currently assigned to the conversation.
// Resolved fresh on every call since assignment can change at any time.
func (r *repo) AssigneeFor(ctx context.Context, conversationID int) (string, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).Select("assignee_id").First(&conv, conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return conv.AssigneeID, nil
}

func (r *repo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("status = ? AND expires_at < ?", domain.ConversationActive, now).
		Updates(map[string]any{
			"status":     domain.ConversationExpired,
			"updated_at": &now,
		})
	return tx.RowsAffected, tx.Error
}
