package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

type command struct {
	Action         string `json:"action"`
	ConversationID int    `json:"conversation_id"`
}

// Client is one websocket connection belonging to an operator.
type Client struct {
	id         string
	operatorID string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
}

// Register attaches a fresh connection to the hub. The caller must start
// both pumps afterwards.
func (h *Hub) Register(conn *websocket.Conn, operatorID string) *Client {
	c := &Client{
		id:         uuid.NewString(),
		operatorID: operatorID,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
	}
	h.register(c)
	h.logger.Info("realtime client connected",
		slog.String("clientId", c.id), slog.String("operatorId", operatorID))
	return c
}

// ReadPump consumes join/leave commands until the connection drops, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.logger.Info("realtime client disconnected",
			slog.String("clientId", c.id), slog.String("operatorId", c.operatorID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected websocket close",
					slog.String("clientId", c.id), slog.String("error", err.Error()))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.hub.logger.Warn("ignoring malformed client command",
				slog.String("clientId", c.id), slog.String("error", err.Error()))
			continue
		}

		switch cmd.Action {
		case "join":
			c.hub.join(c, cmd.ConversationID)
		case "leave":
			c.hub.leave(c, cmd.ConversationID)
		default:
			c.hub.logger.Warn("ignoring unknown client command",
				slog.String("clientId", c.id), slog.String("action", cmd.Action))
		}
	}
}

// WritePump drains the send buffer and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
