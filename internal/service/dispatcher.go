package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/selimgur/whatsflow/internal/domain"
	conversationRepo "github.com/selimgur/whatsflow/internal/repository/conversation"
	messageRepo "github.com/selimgur/whatsflow/internal/repository/message"
)

// SendRequest is the application-facing send contract. Variables are
// substituted into {{key}} placeholders before the message is enqueued.
type SendRequest struct {
	To        string             `json:"to" binding:"required"`
	Type      domain.MessageType `json:"type" binding:"required"`
	Content   domain.Content     `json:"content"`
	Variables map[string]string  `json:"variables,omitempty"`
}

// ValidationError is returned synchronously from Send for bad input.
// Downstream delivery failures are never surfaced here; they are observed
// through the message repository and the realtime fanout.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// DispatchFailureHandler decides retry/terminal for a failed send.
type DispatchFailureHandler interface {
	HandleDispatchFailure(ctx context.Context, qm domain.QueuedMessage, sendErr error) error
	Resolve(ctx context.Context, failureID int) error
}

// Dispatcher accepts send requests, enqueues them, and runs the worker
// side that drains the work queue under per-destination rate limiting.
type Dispatcher struct {
	publisher     QueuePublisher
	provider      ProviderSender
	conversations conversationRepo.Repository
	messages      messageRepo.Repository
	window        WindowStore
	limiter       RateLimiter
	failures      DispatchFailureHandler
	fanout        Notifier
	logger        *slog.Logger

	channelID string
	batchSize int
	batchWait time.Duration
	now       func() time.Time
}

func NewDispatcher(
	publisher QueuePublisher,
	providerClient ProviderSender,
	conversations conversationRepo.Repository,
	messages messageRepo.Repository,
	window WindowStore,
	limiter RateLimiter,
	failures DispatchFailureHandler,
	fanout Notifier,
	logger *slog.Logger,
	channelID string,
	batchSize int,
	batchWait time.Duration,
) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Dispatcher{
		publisher:     publisher,
		provider:      providerClient,
		conversations: conversations,
		messages:      messages,
		window:        window,
		limiter:       limiter,
		failures:      failures,
		fanout:        fanout,
		logger:        logger,
		channelID:     channelID,
		batchSize:     batchSize,
		batchWait:     batchWait,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Send validates the request, substitutes template variables and enqueues
// the message. It is fire-and-forget: returning nil means queued, not
// delivered.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) error {
	if req.To == "" {
		return &ValidationError{Reason: "destination is required"}
	}
	if !domain.KnownType(req.Type) || req.Type == domain.TypeUnknown {
		return &ValidationError{Reason: fmt.Sprintf("unsupported message type %q", req.Type)}
	}
	if err := req.Content.Validate(req.Type); err != nil {
		return &ValidationError{Reason: err.Error()}
	}

	// free-form messages are only allowed inside the customer's reply
	// window; when the window state is unknown we reject rather than risk
	// a policy violation
	if req.Type != domain.TypeTemplate {
		open, err := d.window.IsWithinWindow(ctx, req.To)
		if err != nil {
			return &ValidationError{Reason: "conversation window state unknown, use a template message"}
		}
		if !open {
			return &ValidationError{Reason: "conversation window is closed, use a template message"}
		}
	}

	content, err := substituteContent(req.Content, req.Variables)
	if err != nil {
		return err
	}

	qm := domain.QueuedMessage{
		To:         req.To,
		Type:       req.Type,
		Content:    content,
		Variables:  req.Variables,
		EnqueuedAt: d.now(),
	}
	if err := d.publisher.PublishWork(ctx, qm); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	d.logger.Info("outbound message enqueued",
		slog.String("to", req.To), slog.String("type", string(req.Type)))
	return nil
}

// substituteContent renders {{key}} placeholders in every text-bearing
// content field, failing fast on the first undefined variable.
func substituteContent(content domain.Content, vars map[string]string) (domain.Content, error) {
	var err error
	if content.Text != nil {
		text := *content.Text
		if text.Body, err = RenderTemplate(text.Body, vars); err != nil {
			return content, err
		}
		content.Text = &text
	}
	if content.Media != nil && content.Media.Caption != "" {
		media := *content.Media
		if media.Caption, err = RenderTemplate(media.Caption, vars); err != nil {
			return content, err
		}
		content.Media = &media
	}
	if content.Template != nil {
		tpl := *content.Template
		components := make([]domain.TemplateComponent, len(tpl.Components))
		for i, comp := range tpl.Components {
			params := make([]domain.TemplateParameter, len(comp.Parameters))
			for j, param := range comp.Parameters {
				if param.Text != "" {
					if param.Text, err = RenderTemplate(param.Text, vars); err != nil {
						return content, err
					}
				}
				params[j] = param
			}
			comp.Parameters = params
			components[i] = comp
		}
		tpl.Components = components
		content.Template = &tpl
	}
	return content, nil
}

// Run is one worker. It collects small batches from the deliveries channel
// (bounded wait, so batching never adds unbounded latency) and processes
// them one by one. Each delivery is acked only after its terminal outcome
// is durably recorded.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		batch, open := d.collectBatch(ctx, deliveries)
		for _, delivery := range batch {
			d.process(ctx, delivery)
		}
		if !open {
			// the broker closed the consumer channel; the worker cannot
			// recover it, the caller has to decide what happens next
			d.logger.Warn("deliveries channel closed, stopping worker")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// collectBatch blocks for the first delivery, then gathers up to batchSize
// more within batchWait. It reports open=false once the deliveries channel
// is closed.
func (d *Dispatcher) collectBatch(ctx context.Context, deliveries <-chan amqp.Delivery) (batch []amqp.Delivery, open bool) {
	select {
	case <-ctx.Done():
		return nil, true
	case first, ok := <-deliveries:
		if !ok {
			return nil, false
		}
		batch = []amqp.Delivery{first}
		timer := time.NewTimer(d.batchWait)
		defer timer.Stop()

		for len(batch) < d.batchSize {
			select {
			case <-ctx.Done():
				return batch, true
			case <-timer.C:
				return batch, true
			case next, ok := <-deliveries:
				if !ok {
					return batch, false
				}
				batch = append(batch, next)
			}
		}
		return batch, true
	}
}

// process runs the received -> processing -> {acked, retried,
// dead-lettered} state machine for one delivery. The ack decision is made
// in exactly one place to rule out double-ack races.
func (d *Dispatcher) process(ctx context.Context, delivery amqp.Delivery) {
	var qm domain.QueuedMessage
	if err := json.Unmarshal(delivery.Body, &qm); err != nil {
		// poison payload: nothing downstream can use it
		d.logger.Error("unparseable queued message, dropping",
			slog.String("error", err.Error()))
		_ = delivery.Ack(false)
		return
	}

	outcome := d.handle(ctx, qm)
	switch outcome {
	case outcomeDone:
		_ = delivery.Ack(false)
	case outcomeRequeue:
		_ = delivery.Nack(false, true)
	}
}

type processOutcome int

const (
	// outcomeDone covers success, retry-scheduled and dead-lettered: the
	// terminal outcome of this delivery is durably recorded.
	outcomeDone processOutcome = iota
	// outcomeRequeue means infrastructure failed before anything was
	// recorded; the broker should redeliver.
	outcomeRequeue
)

func (d *Dispatcher) handle(ctx context.Context, qm domain.QueuedMessage) processOutcome {
	// rate-limit clearance: an exhausted window defers this message until
	// the window resets without holding up other destinations
	allowed, wait, err := d.limiter.Allow(ctx, qm.To)
	if err != nil {
		d.logger.Error("rate limiter unavailable, requeueing",
			slog.String("to", qm.To), slog.String("error", err.Error()))
		return outcomeRequeue
	}
	if !allowed {
		d.logger.Debug("destination rate limited, deferring",
			slog.String("to", qm.To), slog.Duration("wait", wait))
		// deferral is not a retry: the count is left untouched
		if err := d.publisher.PublishDeferred(ctx, qm, wait); err != nil {
			d.logger.Error("failed to defer rate-limited message",
				slog.String("to", qm.To), slog.String("error", err.Error()))
			return outcomeRequeue
		}
		return outcomeDone
	}

	providerID, sendErr := d.provider.SendMessage(ctx, qm.To, qm.Type, qm.Content)
	if sendErr != nil {
		if err := d.failures.HandleDispatchFailure(ctx, qm, sendErr); err != nil {
			d.logger.Error("failed to record dispatch failure, requeueing",
				slog.String("to", qm.To), slog.String("error", err.Error()))
			return outcomeRequeue
		}
		return outcomeDone
	}

	if err := d.persistOutbound(ctx, qm, providerID); err != nil {
		// the provider accepted the message; never ack before the
		// repository has it
		d.logger.Error("failed to persist sent message, requeueing",
			slog.String("to", qm.To),
			slog.String("providerMessageId", providerID),
			slog.String("error", err.Error()))
		return outcomeRequeue
	}
	return outcomeDone
}

func (d *Dispatcher) persistOutbound(ctx context.Context, qm domain.QueuedMessage, providerID string) error {
	conv, err := d.conversations.EnsureActive(ctx, qm.To, d.channelID, domain.KindBusinessInitiated)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}

	expiry, err := d.window.Extend(ctx, conv, domain.DirectionOutbound)
	if err != nil {
		return fmt.Errorf("failed to extend conversation window: %w", err)
	}

	msg := &domain.Message{
		ProviderMessageID: providerID,
		ConversationID:    conv.ID,
		Direction:         domain.DirectionOutbound,
		Type:              qm.Type,
		Content:           qm.Content,
		Status:            domain.StatusSent,
		Timestamp:         d.now(),
		Metadata: map[string]any{
			"window_expires_at": expiry.Format(time.RFC3339),
		},
	}
	created, err := d.messages.UpsertByProviderID(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	if qm.FailureID != 0 {
		if err := d.failures.Resolve(ctx, qm.FailureID); err != nil {
			// the send already succeeded; do not fail the delivery over
			// record bookkeeping
			d.logger.Error("failed to resolve failure record",
				slog.Int("failureId", qm.FailureID), slog.String("error", err.Error()))
		}
	}

	if created {
		d.fanout.NotifyMessage(ctx, conv.ID, msg)
	}

	d.logger.Info("outbound message delivered",
		slog.String("to", qm.To),
		slog.String("providerMessageId", providerID),
		slog.Int("conversationId", conv.ID))
	return nil
}
