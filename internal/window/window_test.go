package window

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/selimgur/whatsflow/internal/cache"
	"github.com/selimgur/whatsflow/internal/domain"
)

type fakeCache struct {
	values map[string]string
	getErr error
	setErr error
	sets   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (f *fakeCache) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = val
	f.sets++
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	val, ok := f.values[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return val, nil
}

func (f *fakeCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, errors.New("not implemented")
}

type fakeConversations struct {
	conv      *domain.Conversation
	activeErr error
	extendErr error
	extends   int
}

func (f *fakeConversations) ActiveFor(ctx context.Context, customerID string) (*domain.Conversation, error) {
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	return f.conv, nil
}

func (f *fakeConversations) ExtendExpiry(ctx context.Context, id int, lastMessageAt, expiresAt time.Time) error {
	if f.extendErr != nil {
		return f.extendErr
	}
	f.extends++
	if f.conv != nil && f.conv.ID == id {
		f.conv.LastMessageAt = lastMessageAt
		f.conv.ExpiresAt = expiresAt
	}
	return nil
}

var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestStore(c cache.Cache, conversations ConversationStore) *Store {
	s := NewStore(c, conversations, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return testNow }
	return s
}

func activeConversation(expiresAt time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:         1,
		CustomerID: "905551112233",
		ChannelID:  "channel-1",
		Status:     domain.ConversationActive,
		ExpiresAt:  expiresAt,
	}
}

func TestIsWithinWindowCacheHit(t *testing.T) {
	c := newFakeCache()
	convs := &fakeConversations{activeErr: errors.New("db must not be hit")}
	s := newTestStore(c, convs)
	ctx := context.Background()

	c.values["window:905551112233"] = testNow.Add(time.Hour).Format(time.RFC3339)
	open, err := s.IsWithinWindow(ctx, "905551112233")
	if err != nil || !open {
		t.Errorf("open=%v err=%v, want open window from cache", open, err)
	}

	c.values["window:905551112233"] = testNow.Add(-time.Hour).Format(time.RFC3339)
	open, err = s.IsWithinWindow(ctx, "905551112233")
	if err != nil || open {
		t.Errorf("open=%v err=%v, want closed window from cache", open, err)
	}
}

func TestIsWithinWindowFallsBackToStore(t *testing.T) {
	c := newFakeCache()
	convs := &fakeConversations{conv: activeConversation(testNow.Add(time.Hour))}
	s := newTestStore(c, convs)

	open, err := s.IsWithinWindow(context.Background(), "905551112233")
	if err != nil {
		t.Fatalf("IsWithinWindow returned error: %v", err)
	}
	if !open {
		t.Error("want open window from the durable store")
	}
	if c.sets != 1 {
		t.Error("cache miss on an open window should backfill the cache")
	}
}

func TestIsWithinWindowCacheErrorDegrades(t *testing.T) {
	c := newFakeCache()
	c.getErr = errors.New("redis down")
	convs := &fakeConversations{conv: activeConversation(testNow.Add(time.Hour))}
	s := newTestStore(c, convs)

	open, err := s.IsWithinWindow(context.Background(), "905551112233")
	if err != nil {
		t.Fatalf("cache failure must not fail the lookup: %v", err)
	}
	if !open {
		t.Error("want open window from the durable store")
	}
}

func TestIsWithinWindowNoConversation(t *testing.T) {
	s := newTestStore(newFakeCache(), &fakeConversations{})

	open, err := s.IsWithinWindow(context.Background(), "905551112233")
	if err != nil {
		t.Fatalf("IsWithinWindow returned error: %v", err)
	}
	if open {
		t.Error("no active conversation means no window")
	}
}

func TestIsWithinWindowStoreErrorSurfaces(t *testing.T) {
	convs := &fakeConversations{activeErr: errors.New("db down")}
	s := newTestStore(newFakeCache(), convs)

	if _, err := s.IsWithinWindow(context.Background(), "905551112233"); err == nil {
		t.Fatal("want the durable store error surfaced as unknown state")
	}
}

func TestExtendInboundAlwaysResets(t *testing.T) {
	c := newFakeCache()
	conv := activeConversation(testNow.Add(time.Hour))
	convs := &fakeConversations{conv: conv}
	s := newTestStore(c, convs)

	expiry, err := s.Extend(context.Background(), conv, domain.DirectionInbound)
	if err != nil {
		t.Fatalf("Extend returned error: %v", err)
	}
	want := testNow.Add(domain.WindowDuration)
	if !expiry.Equal(want) {
		t.Errorf("expiry = %v, want now+24h %v", expiry, want)
	}
	if got := c.values["window:905551112233"]; got != want.Format(time.RFC3339) {
		t.Errorf("cached expiry = %q", got)
	}
}

func TestExtendOutboundTouchesOpenWindow(t *testing.T) {
	openUntil := testNow.Add(time.Hour)
	conv := activeConversation(openUntil)
	convs := &fakeConversations{conv: conv}
	s := newTestStore(newFakeCache(), convs)

	expiry, err := s.Extend(context.Background(), conv, domain.DirectionOutbound)
	if err != nil {
		t.Fatalf("Extend returned error: %v", err)
	}
	if !expiry.Equal(openUntil) {
		t.Errorf("expiry = %v, outbound must not push an open window", expiry)
	}
	if !conv.LastMessageAt.Equal(testNow) {
		t.Error("outbound send should still touch last activity")
	}
}

func TestExtendOutboundOpensClosedWindow(t *testing.T) {
	conv := activeConversation(testNow.Add(-time.Minute))
	convs := &fakeConversations{conv: conv}
	s := newTestStore(newFakeCache(), convs)

	expiry, err := s.Extend(context.Background(), conv, domain.DirectionOutbound)
	if err != nil {
		t.Fatalf("Extend returned error: %v", err)
	}
	want := testNow.Add(domain.WindowDuration)
	if !expiry.Equal(want) {
		t.Errorf("expiry = %v, want a fresh window %v", expiry, want)
	}
}

func TestExtendCacheWriteFailureTolerated(t *testing.T) {
	c := newFakeCache()
	c.setErr = errors.New("redis down")
	conv := activeConversation(testNow.Add(-time.Minute))
	convs := &fakeConversations{conv: conv}
	s := newTestStore(c, convs)

	if _, err := s.Extend(context.Background(), conv, domain.DirectionInbound); err != nil {
		t.Fatalf("cache write failure must not fail the extend: %v", err)
	}
	if convs.extends != 1 {
		t.Error("durable row must still be written")
	}
}

func TestExtendDurableErrorSurfaces(t *testing.T) {
	conv := activeConversation(testNow.Add(-time.Minute))
	convs := &fakeConversations{conv: conv, extendErr: errors.New("db down")}
	s := newTestStore(newFakeCache(), convs)

	if _, err := s.Extend(context.Background(), conv, domain.DirectionInbound); err == nil {
		t.Fatal("want the durable store error surfaced")
	}
}
