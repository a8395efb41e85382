// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// clientIDCounter generates unique ids used for deterministic ordering
// in broadcast and shutdown paths.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the
// notification manager. Its subscription callback feeds the send
// channel; the write pump drains it.
type Client struct {
	id          uint64
	hub         *Hub
	conn        *websocket.Conn
	send        chan Message
	tenantID    string
	recipientID string

	// sendMu orders Push against closeSend: the manager's fan-out
	// goroutine may still hold the callback while the hub tears the
	// client down.
	sendMu sync.Mutex
	closed bool

	unsubOnce   sync.Once
	unsubscribe func()
}

// NewClient creates a client bound to one viewer.
func NewClient(hub *Hub, conn *websocket.Conn, tenantID, recipientID string) *Client {
	return &Client{
		id:          clientIDCounter.Add(1),
		hub:         hub,
		conn:        conn,
		send:        make(chan Message, 64),
		tenantID:    tenantID,
		recipientID: recipientID,
	}
}

// Push queues the viewer's refreshed notification list. Drops the frame
// if the client is too slow to drain its channel; the next change will
// carry a complete list anyway. A push racing the disconnect is a
// no-op.
func (c *Client) Push(list []notify.Notification) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- Message{Type: MessageTypeNotifications, Data: list}:
	default:
		logging.Warn().Str("recipient_id", c.recipientID).
			Msg("websocket send buffer full, dropping notification frame")
	}
}

// closeSend closes the outbound channel exactly once. Only the hub
// calls this, after removing the client from its set.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// teardown cancels the manager subscription. Idempotent.
func (c *Client) teardown() {
	c.unsubOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	})
}

// readPump consumes frames from the connection until it closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		//nolint:errcheck // best-effort cleanup
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		if msg.Type == MessageTypePing {
			select {
			case c.send <- Message{Type: MessageTypePong}:
			default:
			}
		}
	}
}

// writePump drains the send channel onto the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		//nolint:errcheck // best-effort cleanup
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				//nolint:errcheck // connection is going away
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write websocket message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// upgrader is configured by the HTTP layer; origin checking happens in
// the CORS middleware before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket connection bound to
// the authenticated viewer and wires it to the notification manager.
func ServeWS(hub *Hub, subscriber Subscriber, w http.ResponseWriter, r *http.Request, tenantID, recipientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(hub, conn, tenantID, recipientID)

	unsubscribe, err := subscriber.Subscribe(r.Context(), recipientID, tenantID, client.Push)
	if err != nil {
		logging.Error().Err(err).Msg("failed to subscribe websocket client")
		//nolint:errcheck // connection is being abandoned
		conn.Close()
		return
	}
	client.unsubscribe = unsubscribe

	hub.Register <- client
	client.Start()
}
