package service

import (
	"context"
	"time"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/realtime"
)

// QueuePublisher is the broker-facing side of the pipeline. PublishRetry
// and PublishDeferred schedule delayed redeliveries at the broker, so no
// retry survives in process memory. Deferrals ride a separate queue: a
// rate-limited message must never park behind a long backoff retry.
type QueuePublisher interface {
	PublishWork(ctx context.Context, qm domain.QueuedMessage) error
	PublishRetry(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error
	PublishDeferred(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error
	PublishDead(ctx context.Context, qm domain.QueuedMessage) error
}

// Notifier pushes pipeline events to connected operators. Implementations
// must be best-effort and non-blocking; the pipeline never waits on a
// client.
type Notifier interface {
	NotifyMessage(ctx context.Context, conversationID int, msg *domain.Message)
	NotifyStatus(ctx context.Context, conversationID int, st realtime.StatusEvent)
	NotifyAlert(alert realtime.Alert)
}

// WindowStore tracks the per-customer free-reply window.
type WindowStore interface {
	IsWithinWindow(ctx context.Context, customerID string) (bool, error)
	Extend(ctx context.Context, conv *domain.Conversation, direction domain.MessageDirection) (time.Time, error)
}

// RateLimiter gates outbound sends per destination.
type RateLimiter interface {
	Allow(ctx context.Context, destination string) (bool, time.Duration, error)
}

// ProviderSender is the provider send API surface the dispatcher needs.
type ProviderSender interface {
	SendMessage(ctx context.Context, to string, typ domain.MessageType, content domain.Content) (string, error)
}

// MediaResolver exchanges inbound media ids for download URLs.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, mediaID string) (string, error)
}
