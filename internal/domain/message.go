package domain

import (
	"time"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeAudio       MessageType = "audio"
	TypeDocument    MessageType = "document"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeInteractive MessageType = "interactive"
	TypeButton      MessageType = "button"
	TypeReaction    MessageType = "reaction"
	TypeTemplate    MessageType = "template"
	TypeUnknown     MessageType = "unknown"
)

// KnownType reports whether t is one of the message types the pipeline
// produces. The unknown tag is deliberately included: unrecognized inbound
// payloads are persisted under it rather than dropped.
func KnownType(t MessageType) bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeLocation,
		TypeContacts, TypeInteractive, TypeButton, TypeReaction, TypeTemplate, TypeUnknown:
		return true
	}
	return false
}

// Message is one inbound or outbound unit. ProviderMessageID is the
// idempotency key: inserting the same id twice is a no-op, so duplicate
// webhook deliveries never create a second row. Only the status reconciler
// mutates Status and Metadata after creation.
type Message struct {
	ID                int              `gorm:"primaryKey" json:"id"`
	ProviderMessageID string           `gorm:"type:varchar(128);uniqueIndex;not null" json:"provider_message_id"`
	ConversationID    int              `gorm:"not null;index" json:"conversation_id"`
	Direction         MessageDirection `gorm:"type:varchar(10);not null" json:"direction"`
	Type              MessageType      `gorm:"type:varchar(16);not null" json:"type"`
	Content           Content          `gorm:"serializer:json" json:"content"`
	Status            MessageStatus    `gorm:"type:varchar(12);not null" json:"status"`
	Timestamp         time.Time        `json:"timestamp"`
	Metadata          map[string]any   `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         *time.Time       `json:"updated_at"`
}
