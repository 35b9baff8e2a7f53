package domain

import (
	"time"
)

// SendError is the structured error carried along with a queued message so
// that retry hops and the dead-letter consumer see why the last attempt
// failed without re-querying anything.
type SendError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// QueuedMessage is the broker payload for one outbound send. It is consumed
// with manual ack; the broker redelivers on crash, so every consumer effect
// must be idempotent against partial prior execution.
//
// FailureID links a re-enqueued message back to its FailedMessage record so
// that a later successful send resolves the record.
type QueuedMessage struct {
	To         string            `json:"to"`
	Type       MessageType       `json:"type"`
	Content    Content           `json:"content"`
	Variables  map[string]string `json:"variables,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
	FailureID  int               `json:"failure_id,omitempty"`
	LastError  *SendError        `json:"last_error,omitempty"`
}
