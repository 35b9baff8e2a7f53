package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/selimgur/whatsflow/internal/domain"
)

type Config struct {
	URL        string
	WorkQueue  string
	RetryQueue string
	DeferQueue string
	DeadQueue  string
	// RetryDelays are the backoff stages. Every stage gets its own retry
	// queue with a queue-level TTL: rabbitmq only expires messages at the
	// queue head, so mixing delays in one queue lets a long delay hold up
	// a short one. Uniform per-queue TTLs keep expiry accurate.
	RetryDelays []time.Duration
	// MessageTTL bounds how long an unconsumed send may sit on the work
	// queue before it dead-letters (stale sends are worse than no sends).
	MessageTTL time.Duration
}

type retryStage struct {
	delay time.Duration
	queue string
}

// Broker owns the connection and the queue topology:
//
//	work queue   --expired/nacked--> dead queue
//	retry queues --queue TTL-------> work queue
//	defer queue  --per-message TTL-> work queue
//
// Retry backoff is broker-level: a failed message is republished to the
// stage queue matching its backoff delay and flows back to the work queue
// when the stage TTL expires. Rate-limit deferrals park on their own queue
// with a per-message expiration, away from the backoff stages. No
// in-process timers hold retries, so a restart loses nothing.
type Broker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    Config
	stages []retryStage
	logger *slog.Logger
}

func Connect(cfg Config, logger *slog.Logger) (*Broker, error) {
	if len(cfg.RetryDelays) == 0 {
		return nil, fmt.Errorf("at least one retry delay is required")
	}

	retryTicker := time.NewTicker(time.Second * 2)
	defer retryTicker.Stop()

	var conn *amqp.Connection
	var err error
	for range 5 {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		<-retryTicker.C
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	b := &Broker{conn: conn, ch: ch, cfg: cfg, stages: buildStages(cfg.RetryQueue, cfg.RetryDelays), logger: logger}
	if err := b.declareTopology(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to declare rabbitmq topology: %w", err)
	}

	logger.Info("rabbitmq connection established",
		slog.String("workQueue", cfg.WorkQueue),
		slog.Int("retryStages", len(b.stages)),
		slog.String("deferQueue", cfg.DeferQueue),
		slog.String("deadQueue", cfg.DeadQueue))
	return b, nil
}

func buildStages(base string, delays []time.Duration) []retryStage {
	sorted := slices.Clone(delays)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	stages := make([]retryStage, 0, len(sorted))
	for _, delay := range sorted {
		stages = append(stages, retryStage{
			delay: delay,
			queue: fmt.Sprintf("%s_%s", base, delay),
		})
	}
	return stages
}

// stageQueueFor picks the stage whose TTL covers the requested delay: the
// smallest stage at or above it, or the longest stage when the delay
// exceeds every configured one.
func (b *Broker) stageQueueFor(delay time.Duration) string {
	for _, stage := range b.stages {
		if stage.delay >= delay {
			return stage.queue
		}
	}
	return b.stages[len(b.stages)-1].queue
}

func (b *Broker) declareTopology() error {
	if _, err := b.ch.QueueDeclare(b.cfg.DeadQueue, true, false, false, false, nil); err != nil {
		return err
	}

	workArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.DeadQueue,
	}
	if b.cfg.MessageTTL > 0 {
		workArgs["x-message-ttl"] = int32(b.cfg.MessageTTL / time.Millisecond)
	}
	if _, err := b.ch.QueueDeclare(b.cfg.WorkQueue, true, false, false, false, workArgs); err != nil {
		return err
	}

	for _, stage := range b.stages {
		stageArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": b.cfg.WorkQueue,
			"x-message-ttl":             int32(stage.delay / time.Millisecond),
		}
		if _, err := b.ch.QueueDeclare(stage.queue, true, false, false, false, stageArgs); err != nil {
			return err
		}
	}

	deferArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.WorkQueue,
	}
	if _, err := b.ch.QueueDeclare(b.cfg.DeferQueue, true, false, false, false, deferArgs); err != nil {
		return err
	}
	return nil
}

func (b *Broker) Close() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}

// PublishWork enqueues a message onto the work queue.
func (b *Broker) PublishWork(ctx context.Context, qm domain.QueuedMessage) error {
	return b.publish(ctx, b.cfg.WorkQueue, qm, 0)
}

// PublishRetry parks a message on the retry stage matching the delay,
// after which the broker routes it back to the work queue.
func (b *Broker) PublishRetry(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error {
	return b.publish(ctx, b.stageQueueFor(delay), qm, 0)
}

// PublishDeferred parks a rate-limited message until its window resets.
// The delay is the window remainder, so it rides on a per-message
// expiration instead of a fixed stage.
func (b *Broker) PublishDeferred(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error {
	return b.publish(ctx, b.cfg.DeferQueue, qm, delay)
}

// PublishDead routes an exhausted or terminally failed message to the DLQ.
func (b *Broker) PublishDead(ctx context.Context, qm domain.QueuedMessage) error {
	return b.publish(ctx, b.cfg.DeadQueue, qm, 0)
}

func (b *Broker) publish(ctx context.Context, queue string, qm domain.QueuedMessage, expiration time.Duration) error {
	body, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("failed to marshal queued message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if expiration > 0 {
		publishing.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	if err := b.ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		b.logger.Error("could not publish to rabbitmq",
			slog.String("queue", queue),
			slog.String("error", err.Error()))
		return err
	}

	b.logger.Debug("published message to rabbitmq",
		slog.String("queue", queue),
		slog.String("to", qm.To),
		slog.Int("retryCount", qm.RetryCount))
	return nil
}

// Consume opens a dedicated channel with the given prefetch and starts a
// manual-ack consumer on queue. Each worker gets its own channel so a
// suspended worker never backpressures the others.
func (b *Broker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set consumer qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return deliveries, nil
}
