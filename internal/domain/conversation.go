package domain

import (
	"time"
)

type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationExpired ConversationStatus = "expired"
	ConversationClosed  ConversationStatus = "closed"
)

type ConversationKind string

const (
	KindCustomerInitiated  ConversationKind = "customer_initiated"
	KindBusinessInitiated  ConversationKind = "business_initiated"
	KindReferralConversion ConversationKind = "referral_conversion"
)

// WindowDuration is the provider's free-reply window opened by an inbound message.
const WindowDuration = 24 * time.Hour

// ConversationIndexes holds DDL gorm's auto-migration cannot express.
// The partial unique index is what enforces the single-active-row rule;
// repository inserts target it with ON CONFLICT.
var ConversationIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_active_customer_channel
		ON conversations (customer_id, channel_id) WHERE status = 'active'`,
}

// Conversation tracks one customer<->business channel pair. At most one
// active conversation may exist per (CustomerID, ChannelID); expired
// conversations are kept for history and never deleted.
type Conversation struct {
	ID            int                `gorm:"primaryKey" json:"id"`
	CustomerID    string             `gorm:"type:varchar(32);not null;index:idx_conv_customer_channel" json:"customer_id"`
	ChannelID     string             `gorm:"type:varchar(32);not null;index:idx_conv_customer_channel" json:"channel_id"`
	Status        ConversationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Kind          ConversationKind   `gorm:"type:varchar(32);not null" json:"kind"`
	AssigneeID    string             `gorm:"type:varchar(64)" json:"assignee_id"`
	LastMessageAt time.Time          `json:"last_message_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     *time.Time         `json:"updated_at"`
}

// WindowOpen reports whether the free-reply window is still open at the
// given instant.
func (c *Conversation) WindowOpen(now time.Time) bool {
	return c.Status == ConversationActive && c.ExpiresAt.After(now)
}
