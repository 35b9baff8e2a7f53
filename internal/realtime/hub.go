package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/selimgur/whatsflow/internal/domain"
)

// AssignmentResolver looks up the operator currently assigned to a
// conversation. It is consulted on every publish; assignment is never
// cached here because it can change under us.
type AssignmentResolver interface {
	AssigneeFor(ctx context.Context, conversationID int) (string, error)
}

// StatusEvent is the status-change shape pushed to clients.
type StatusEvent struct {
	ProviderMessageID string               `json:"provider_message_id"`
	ConversationID    int                  `json:"conversation_id"`
	Status            domain.MessageStatus `json:"status"`
	Timestamp         time.Time            `json:"timestamp"`
}

// Alert is the high-priority operator notification emitted on
// account-critical provider failures.
type Alert struct {
	Code        int       `json:"code"`
	Message     string    `json:"message"`
	Destination string    `json:"destination,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const (
	eventMessageNew    = "message.new"
	eventMessageStatus = "message.status"
	eventAlert         = "alert"
)

// Hub fans events out to connected operator clients. Delivery is
// best-effort and at-most-once: a slow or offline client is skipped, never
// queued for. Offline operators catch up through the message repository on
// reconnect.
type Hub struct {
	mu          sync.RWMutex
	operators   map[string]map[*Client]struct{}
	rooms       map[int]map[*Client]struct{}
	assignments AssignmentResolver
	logger      *slog.Logger
}

func NewHub(assignments AssignmentResolver, logger *slog.Logger) *Hub {
	return &Hub{
		operators:   make(map[string]map[*Client]struct{}),
		rooms:       make(map[int]map[*Client]struct{}),
		assignments: assignments,
		logger:      logger,
	}
}

// NotifyMessage pushes a new-message event to the conversation room and to
// the assigned operator. Publish failures are logged, never escalated.
func (h *Hub) NotifyMessage(ctx context.Context, conversationID int, msg *domain.Message) {
	h.publish(ctx, conversationID, event{Event: eventMessageNew, Data: msg})
}

// NotifyStatus pushes a status-change event.
func (h *Hub) NotifyStatus(ctx context.Context, conversationID int, st StatusEvent) {
	h.publish(ctx, conversationID, event{Event: eventMessageStatus, Data: st})
}

// NotifyAlert broadcasts to every connected client regardless of room
// membership.
func (h *Hub) NotifyAlert(alert Alert) {
	payload, err := json.Marshal(event{Event: eventAlert, Data: alert})
	if err != nil {
		h.logger.Error("failed to marshal alert event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.operators {
		for c := range clients {
			h.deliver(c, payload)
		}
	}
}

func (h *Hub) publish(ctx context.Context, conversationID int, ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal realtime event",
			slog.String("event", ev.Event), slog.String("error", err.Error()))
		return
	}

	// resolve before locking: the lookup is a database round trip
	assignee, err := h.assignments.AssigneeFor(ctx, conversationID)
	if err != nil {
		h.logger.Warn("failed to resolve conversation assignee",
			slog.Int("conversationId", conversationID), slog.String("error", err.Error()))
		assignee = ""
	}

	// deliver under the read lock: unregister closes the send channel
	// under the write lock, so a disconnect can never land between target
	// collection and the send
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]struct{})
	for c := range h.rooms[conversationID] {
		targets[c] = struct{}{}
	}
	if assignee != "" {
		for c := range h.operators[assignee] {
			targets[c] = struct{}{}
		}
	}
	for c := range targets {
		h.deliver(c, payload)
	}
}

// deliver never blocks the publishing pipeline: when the client's buffer
// is full the event is dropped.
func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("dropping realtime event for slow client",
			slog.String("clientId", c.id), slog.String("operatorId", c.operatorID))
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.operators[c.operatorID] == nil {
		h.operators[c.operatorID] = make(map[*Client]struct{})
	}
	h.operators[c.operatorID][c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.operators[c.operatorID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.operators, c.operatorID)
		}
	}
	for id, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
	close(c.send)
}

func (h *Hub) join(c *Client, conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) leave(c *Client, conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}
