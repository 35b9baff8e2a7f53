package domain

import (
	"time"
)

type FailedMessageStatus string

const (
	FailedPendingRetry FailedMessageStatus = "pending_retry"
	FailedPermanent    FailedMessageStatus = "failed"
	FailedResolved     FailedMessageStatus = "resolved"
)

// FailedMessage is the durable record written once dispatch retries are
// exhausted or an error is classified terminal. Operators drive manual
// retries against it; a later successful send transitions it to resolved.
type FailedMessage struct {
	ID           int                 `gorm:"primaryKey" json:"id"`
	Destination  string              `gorm:"type:varchar(32);not null;index" json:"destination"`
	Type         MessageType         `gorm:"type:varchar(16);not null" json:"type"`
	Content      Content             `gorm:"serializer:json" json:"content"`
	ErrorCode    int                 `json:"error_code"`
	ErrorMessage string              `gorm:"type:varchar(512)" json:"error_message"`
	ErrorDetails string              `gorm:"type:varchar(1024)" json:"error_details,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	Status       FailedMessageStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    *time.Time          `json:"updated_at"`
}
