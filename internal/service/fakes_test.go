package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/selimgur/whatsflow/internal/domain"
	"github.com/selimgur/whatsflow/internal/provider"
	"github.com/selimgur/whatsflow/internal/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fake repositories and collaborators

type fakeFailedRepo struct {
	records map[int]*domain.FailedMessage
	nextID  int
	err     error
}

func newFakeFailedRepo() *fakeFailedRepo {
	return &fakeFailedRepo{records: make(map[int]*domain.FailedMessage), nextID: 1}
}

func (f *fakeFailedRepo) Create(ctx context.Context, fm *domain.FailedMessage) error {
	if f.err != nil {
		return f.err
	}
	fm.ID = f.nextID
	f.nextID++
	stored := *fm
	f.records[fm.ID] = &stored
	return nil
}

func (f *fakeFailedRepo) GetByID(ctx context.Context, id int) (*domain.FailedMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	fm, ok := f.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *fm
	return &copied, nil
}

func (f *fakeFailedRepo) List(ctx context.Context, status domain.FailedMessageStatus, limit, offset int) ([]domain.FailedMessage, error) {
	var out []domain.FailedMessage
	for _, fm := range f.records {
		if status == "" || fm.Status == status {
			out = append(out, *fm)
		}
	}
	return out, nil
}

func (f *fakeFailedRepo) UpdateStatus(ctx context.Context, id int, status domain.FailedMessageStatus) error {
	fm, ok := f.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	fm.Status = status
	return nil
}

func (f *fakeFailedRepo) RecordAttempt(ctx context.Context, id int, code int, message, details string, retryCount int, status domain.FailedMessageStatus) error {
	fm, ok := f.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	fm.ErrorCode = code
	fm.ErrorMessage = message
	fm.ErrorDetails = details
	fm.RetryCount = retryCount
	fm.Status = status
	return nil
}

type retryPublish struct {
	qm    domain.QueuedMessage
	delay time.Duration
}

type fakePublisher struct {
	work     []domain.QueuedMessage
	retries  []retryPublish
	deferred []retryPublish
	dead     []domain.QueuedMessage
	err      error
}

func (f *fakePublisher) PublishWork(ctx context.Context, qm domain.QueuedMessage) error {
	if f.err != nil {
		return f.err
	}
	f.work = append(f.work, qm)
	return nil
}

func (f *fakePublisher) PublishRetry(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.retries = append(f.retries, retryPublish{qm: qm, delay: delay})
	return nil
}

func (f *fakePublisher) PublishDeferred(ctx context.Context, qm domain.QueuedMessage, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.deferred = append(f.deferred, retryPublish{qm: qm, delay: delay})
	return nil
}

func (f *fakePublisher) PublishDead(ctx context.Context, qm domain.QueuedMessage) error {
	if f.err != nil {
		return f.err
	}
	f.dead = append(f.dead, qm)
	return nil
}

type fakeNotifier struct {
	messages []*domain.Message
	statuses []realtime.StatusEvent
	alerts   []realtime.Alert
}

func (f *fakeNotifier) NotifyMessage(ctx context.Context, conversationID int, msg *domain.Message) {
	f.messages = append(f.messages, msg)
}

func (f *fakeNotifier) NotifyStatus(ctx context.Context, conversationID int, st realtime.StatusEvent) {
	f.statuses = append(f.statuses, st)
}

func (f *fakeNotifier) NotifyAlert(alert realtime.Alert) {
	f.alerts = append(f.alerts, alert)
}

type fakeMessageRepo struct {
	byProviderID map[string]*domain.Message
	nextID       int
	upsertErr    error
	updateErr    error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byProviderID: make(map[string]*domain.Message), nextID: 1}
}

func (f *fakeMessageRepo) UpsertByProviderID(ctx context.Context, msg *domain.Message) (bool, error) {
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	if _, ok := f.byProviderID[msg.ProviderMessageID]; ok {
		return false, nil
	}
	msg.ID = f.nextID
	f.nextID++
	stored := *msg
	f.byProviderID[msg.ProviderMessageID] = &stored
	return true, nil
}

func (f *fakeMessageRepo) GetByProviderID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	msg, ok := f.byProviderID[providerMessageID]
	if !ok {
		return nil, nil
	}
	copied := *msg
	return &copied, nil
}

func (f *fakeMessageRepo) UpdateStatus(ctx context.Context, msg *domain.Message, status domain.MessageStatus, metadata map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.byProviderID[msg.ProviderMessageID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.Status = status
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		stored.Metadata[k] = v
	}
	return nil
}

func (f *fakeMessageRepo) ListByConversation(ctx context.Context, conversationID, limit, offset int) ([]domain.Message, error) {
	var out []domain.Message
	for _, msg := range f.byProviderID {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

type fakeConversationRepo struct {
	conversations map[string]*domain.Conversation
	nextID        int
	ensureErr     error
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{conversations: make(map[string]*domain.Conversation), nextID: 1}
}

func (f *fakeConversationRepo) EnsureActive(ctx context.Context, customerID, channelID string, kind domain.ConversationKind) (*domain.Conversation, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	if conv, ok := f.conversations[customerID]; ok {
		copied := *conv
		return &copied, nil
	}
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:            f.nextID,
		CustomerID:    customerID,
		ChannelID:     channelID,
		Status:        domain.ConversationActive,
		Kind:          kind,
		LastMessageAt: now,
		ExpiresAt:     now.Add(domain.WindowDuration),
	}
	f.nextID++
	f.conversations[customerID] = conv
	copied := *conv
	return &copied, nil
}

func (f *fakeConversationRepo) ActiveFor(ctx context.Context, customerID string) (*domain.Conversation, error) {
	conv, ok := f.conversations[customerID]
	if !ok {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (f *fakeConversationRepo) ExtendExpiry(ctx context.Context, id int, lastMessageAt, expiresAt time.Time) error {
	for _, conv := range f.conversations {
		if conv.ID == id {
			conv.LastMessageAt = lastMessageAt
			conv.ExpiresAt = expiresAt
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeConversationRepo) AssigneeFor(ctx context.Context, conversationID int) (string, error) {
	return "", nil
}

func (f *fakeConversationRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type fakeWindow struct {
	open    bool
	openErr error
	expiry  time.Time
	extends []domain.MessageDirection
}

func (f *fakeWindow) IsWithinWindow(ctx context.Context, customerID string) (bool, error) {
	return f.open, f.openErr
}

func (f *fakeWindow) Extend(ctx context.Context, conv *domain.Conversation, direction domain.MessageDirection) (time.Time, error) {
	f.extends = append(f.extends, direction)
	return f.expiry, nil
}

type fakeLimiter struct {
	allowed bool
	wait    time.Duration
	err     error
	calls   int
}

func (f *fakeLimiter) Allow(ctx context.Context, destination string) (bool, time.Duration, error) {
	f.calls++
	return f.allowed, f.wait, f.err
}

type fakeSender struct {
	send func(ctx context.Context, to string, typ domain.MessageType, content domain.Content) (string, error)
}

func (f *fakeSender) SendMessage(ctx context.Context, to string, typ domain.MessageType, content domain.Content) (string, error) {
	return f.send(ctx, to, typ, content)
}

type fakeMediaResolver struct {
	url   string
	err   error
	calls int
}

func (f *fakeMediaResolver) ResolveMediaURL(ctx context.Context, mediaID string) (string, error) {
	f.calls++
	return f.url, f.err
}

type fakeStatusApplier struct {
	applied []provider.WebhookStatus
	err     error
}

func (f *fakeStatusApplier) ApplyStatus(ctx context.Context, st provider.WebhookStatus) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, st)
	return nil
}

func textMessage(body string) domain.Content {
	return domain.Content{Text: &domain.TextContent{Body: body}}
}
