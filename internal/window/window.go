package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/selimgur/whatsflow/internal/cache"
	"github.com/selimgur/whatsflow/internal/domain"
)

// ConversationStore is the durable fallback behind the cache. The
// conversation's ExpiresAt is the source of truth; the cache only saves a
// round trip.
type ConversationStore interface {
	ActiveFor(ctx context.Context, customerID string) (*domain.Conversation, error)
	ExtendExpiry(ctx context.Context, id int, lastMessageAt, expiresAt time.Time) error
}

// Store tracks, per customer, whether the 24-hour free-reply window is
// open. Reads are cache-first with a durable fallback; a cache failure
// never fails the caller.
type Store struct {
	cache         cache.Cache
	conversations ConversationStore
	logger        *slog.Logger
	now           func() time.Time
}

func NewStore(c cache.Cache, conversations ConversationStore, logger *slog.Logger) *Store {
	return &Store{
		cache:         c,
		conversations: conversations,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func windowKey(customerID string) string {
	return fmt.Sprintf("window:%s", customerID)
}

// IsWithinWindow reports whether the customer's free-reply window is open.
// A durable-store lookup error is returned to the caller, which must treat
// the state as unknown and reject template-free sends rather than silently
// allow them.
func (s *Store) IsWithinWindow(ctx context.Context, customerID string) (bool, error) {
	now := s.now()

	val, err := s.cache.Get(ctx, windowKey(customerID))
	if err == nil {
		expiry, parseErr := time.Parse(time.RFC3339, val)
		if parseErr == nil {
			return expiry.After(now), nil
		}
		s.logger.Warn("unparseable window cache entry, falling back to store",
			slog.String("customerId", customerID), slog.String("value", val))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("window cache lookup failed, falling back to store",
			slog.String("customerId", customerID), slog.String("error", err.Error()))
	}

	conv, err := s.conversations.ActiveFor(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up conversation window: %w", err)
	}
	if conv == nil {
		return false, nil
	}

	open := conv.WindowOpen(now)
	if open {
		s.backfill(ctx, customerID, conv.ExpiresAt, now)
	}
	return open, nil
}

// Extend refreshes the customer's window. An inbound message always extends
// it to now+24h; an outbound message opens one only when none is currently
// open, so business-initiated traffic cannot reset the window indefinitely.
// The durable row is written first, then the cache; the expiry never moves
// backwards.
func (s *Store) Extend(ctx context.Context, conv *domain.Conversation, direction domain.MessageDirection) (time.Time, error) {
	now := s.now()

	if direction == domain.DirectionOutbound && conv.WindowOpen(now) {
		if err := s.conversations.ExtendExpiry(ctx, conv.ID, now, conv.ExpiresAt); err != nil {
			return time.Time{}, fmt.Errorf("failed to touch conversation: %w", err)
		}
		conv.LastMessageAt = now
		return conv.ExpiresAt, nil
	}

	expiry := now.Add(domain.WindowDuration)
	if err := s.conversations.ExtendExpiry(ctx, conv.ID, now, expiry); err != nil {
		return time.Time{}, fmt.Errorf("failed to extend conversation window: %w", err)
	}
	conv.LastMessageAt = now
	conv.ExpiresAt = expiry

	s.backfill(ctx, conv.CustomerID, expiry, now)
	return expiry, nil
}

// backfill writes the expiry into the cache with TTL equal to the remaining
// window. Best effort only.
func (s *Store) backfill(ctx context.Context, customerID string, expiry, now time.Time) {
	ttl := expiry.Sub(now)
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, windowKey(customerID), expiry.Format(time.RFC3339), ttl); err != nil {
		s.logger.Warn("failed to write window cache entry",
			slog.String("customerId", customerID), slog.String("error", err.Error()))
	}
}
