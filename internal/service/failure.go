package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
	"github.com/selimgur/whatsflow/internal/realtime"
	failedRepo "github.com/selimgur/whatsflow/internal/repository/failedmessage"
)

// FailureClass is the verdict on one dispatch error.
type FailureClass int

const (
	// ClassTransient errors are retried with exponential backoff up to the
	// configured limit. Unclassified errors land here too.
	ClassTransient FailureClass = iota
	// ClassTerminal errors (invalid recipient, malformed content) are never
	// retried.
	ClassTerminal
	// ClassCritical errors are terminal and additionally alert operators
	// immediately: auth failure, blocked account, retired API version.
	ClassCritical
)

// Classify maps a dispatch error onto the retry state machine.
func Classify(err error) FailureClass {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		// transport-level failure, worth retrying
		return ClassTransient
	}
	switch {
	case apiErr.AccountCritical():
		return ClassCritical
	case apiErr.Terminal():
		return ClassTerminal
	case apiErr.Transient():
		return ClassTransient
	default:
		return ClassTransient
	}
}

func sendErrorFrom(err error) *domain.SendError {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return &domain.SendError{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details}
	}
	return &domain.SendError{Message: err.Error()}
}

// FailureManager owns the attempt state machine:
//
//	attempt(n) -> success | retry (backoff via broker) | terminal (record + DLQ)
//
// plus the DLQ consumer and operator-driven manual retry.
type FailureManager struct {
	failed     failedRepo.Repository
	publisher  QueuePublisher
	fanout     Notifier
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewFailureManager(
	failed failedRepo.Repository,
	publisher QueuePublisher,
	fanout Notifier,
	logger *slog.Logger,
	maxRetries int,
	baseDelay, maxDelay time.Duration,
) *FailureManager {
	return &FailureManager{
		failed:     failed,
		publisher:  publisher,
		fanout:     fanout,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// BackoffSchedule lists every delay the retry state machine can produce,
// one per attempt. The broker declares one retry stage per entry.
func BackoffSchedule(base, max time.Duration, attempts int) []time.Duration {
	delays := make([]time.Duration, 0, attempts)
	delay := base
	for range attempts {
		if delay > max {
			delay = max
		}
		delays = append(delays, delay)
		delay *= 2
	}
	return delays
}

// Backoff returns the delay before the given attempt is retried:
// min(baseDelay * 2^attempt, maxDelay).
func (m *FailureManager) Backoff(attempt int) time.Duration {
	delay := m.baseDelay
	for range attempt {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

// HandleDispatchFailure decides the fate of a failed send. It returns an
// error only when the decision itself could not be durably recorded; the
// caller must then nack-requeue instead of acking.
func (m *FailureManager) HandleDispatchFailure(ctx context.Context, qm domain.QueuedMessage, sendErr error) error {
	class := Classify(sendErr)
	qm.LastError = sendErrorFrom(sendErr)

	if class == ClassTransient && qm.RetryCount < m.maxRetries {
		delay := m.Backoff(qm.RetryCount)
		qm.RetryCount++
		m.logger.Warn("transient dispatch failure, scheduling retry",
			slog.String("to", qm.To),
			slog.Int("attempt", qm.RetryCount),
			slog.Duration("delay", delay),
			slog.String("error", sendErr.Error()))
		return m.publisher.PublishRetry(ctx, qm, delay)
	}

	// terminal or retries exhausted
	record, err := m.recordFailure(ctx, qm)
	if err != nil {
		return fmt.Errorf("failed to persist failure record: %w", err)
	}
	qm.FailureID = record.ID

	if class == ClassCritical {
		m.alert(qm, record)
	}

	m.logger.Error("dispatch failed permanently, dead-lettering",
		slog.String("to", qm.To),
		slog.Int("failureId", record.ID),
		slog.Int("retryCount", qm.RetryCount),
		slog.String("error", sendErr.Error()))
	return m.publisher.PublishDead(ctx, qm)
}

// HandleProviderFailure records a failure reported asynchronously through a
// status callback (a message the provider first accepted, then failed).
func (m *FailureManager) HandleProviderFailure(ctx context.Context, destination string, typ domain.MessageType, content domain.Content, code int, message, details string) error {
	record := &domain.FailedMessage{
		Destination:  destination,
		Type:         typ,
		Content:      content,
		ErrorCode:    code,
		ErrorMessage: message,
		ErrorDetails: details,
		Status:       domain.FailedPermanent,
	}
	if err := m.failed.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to persist failure record: %w", err)
	}

	apiErr := &provider.APIError{Code: code, Message: message, Details: details}
	if apiErr.AccountCritical() {
		m.fanout.NotifyAlert(realtime.Alert{
			Code:        code,
			Message:     message,
			Destination: destination,
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}

// RetryFailed re-enters the attempt state machine for a stored failure.
// The queued message carries the stored retry count and the record id, so
// a later success resolves the record.
func (m *FailureManager) RetryFailed(ctx context.Context, id int) error {
	record, err := m.failed.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == domain.FailedResolved {
		return fmt.Errorf("failed message %d is already resolved", id)
	}

	if err := m.failed.UpdateStatus(ctx, id, domain.FailedPendingRetry); err != nil {
		return fmt.Errorf("failed to mark record for retry: %w", err)
	}

	qm := domain.QueuedMessage{
		To:         record.Destination,
		Type:       record.Type,
		Content:    record.Content,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: record.RetryCount,
		FailureID:  record.ID,
	}
	if err := m.publisher.PublishWork(ctx, qm); err != nil {
		return fmt.Errorf("failed to re-enqueue message: %w", err)
	}

	m.logger.Info("failed message re-enqueued for manual retry",
		slog.Int("failureId", id), slog.String("to", record.Destination))
	return nil
}

// Resolve marks a failure record as resolved after a later send for it
// succeeded.
func (m *FailureManager) Resolve(ctx context.Context, id int) error {
	return m.failed.UpdateStatus(ctx, id, domain.FailedResolved)
}

// ConsumeDead drains the dead-letter queue and guarantees every
// dead-lettered message has a FailedMessage record operators can act on.
// Deliveries are always acked; the DLQ is the end of the line.
func (m *FailureManager) ConsumeDead(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := m.persistDeadLetter(ctx, d.Body); err != nil {
				m.logger.Error("failed to persist dead-lettered message",
					slog.String("error", err.Error()))
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (m *FailureManager) persistDeadLetter(ctx context.Context, body []byte) error {
	var qm domain.QueuedMessage
	if err := json.Unmarshal(body, &qm); err != nil {
		// poison payload: log and drop, there is nothing to record
		m.logger.Error("unparseable dead-lettered payload, dropping",
			slog.String("error", err.Error()))
		return nil
	}

	if qm.FailureID != 0 {
		if _, err := m.failed.GetByID(ctx, qm.FailureID); err == nil {
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	_, err := m.recordFailure(ctx, qm)
	return err
}

// recordFailure creates the durable failure record, or updates the
// existing one when the message already carries a record id (manual
// retries that failed again).
func (m *FailureManager) recordFailure(ctx context.Context, qm domain.QueuedMessage) (*domain.FailedMessage, error) {
	var code int
	var message, details string
	if qm.LastError != nil {
		code = qm.LastError.Code
		message = qm.LastError.Message
		details = qm.LastError.Details
	}

	if qm.FailureID != 0 {
		if record, err := m.failed.GetByID(ctx, qm.FailureID); err == nil {
			if err := m.failed.RecordAttempt(ctx, record.ID, code, message, details, qm.RetryCount, domain.FailedPermanent); err != nil {
				return nil, err
			}
			record.RetryCount = qm.RetryCount
			record.Status = domain.FailedPermanent
			return record, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	record := &domain.FailedMessage{
		Destination:  qm.To,
		Type:         qm.Type,
		Content:      qm.Content,
		ErrorCode:    code,
		ErrorMessage: message,
		ErrorDetails: details,
		RetryCount:   qm.RetryCount,
		Status:       domain.FailedPermanent,
	}
	if err := m.failed.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *FailureManager) alert(qm domain.QueuedMessage, record *domain.FailedMessage) {
	alert := realtime.Alert{
		Code:        record.ErrorCode,
		Message:     record.ErrorMessage,
		Destination: qm.To,
		Timestamp:   time.Now().UTC(),
	}
	m.fanout.NotifyAlert(alert)
}
