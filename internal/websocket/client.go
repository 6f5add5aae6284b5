// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/marketscope/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	authorizeWait  = 5 * time.Second
)

var clientIDCounter atomic.Uint64

// Authorizer decides whether a user may watch a project.
type Authorizer interface {
	CanViewProject(ctx context.Context, userID, projectID int64) (bool, error)
}

// inbound mirrors Message with a raw payload so subscribe data can be
// decoded per message type.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one websocket connection.
type Client struct {
	id     uint64
	userID int64
	hub    *Hub
	conn   *websocket.Conn
	authz  Authorizer
	send   chan Message

	mu       sync.RWMutex
	projects map[int64]bool
}

// NewClient creates a client for an authenticated user.
func NewClient(hub *Hub, conn *websocket.Conn, userID int64, authz Authorizer) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		userID:   userID,
		hub:      hub,
		conn:     conn,
		authz:    authz,
		send:     make(chan Message, 256),
		projects: make(map[int64]bool),
	}
}

// ID returns the client's ordering ID.
func (c *Client) ID() uint64 { return c.id }

// Subscribed reports whether the client receives messages for projectID.
func (c *Client) Subscribed(projectID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projects[projectID]
}

func (c *Client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// handle processes one client message and returns the reply, if any.
func (c *Client) handle(ctx context.Context, in inbound) *Message {
	switch in.Type {
	case MessageTypePing:
		return &Message{Type: MessageTypePong}
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var ref ProjectRef
		if err := json.Unmarshal(in.Data, &ref); err != nil || ref.ProjectID <= 0 {
			return &Message{Type: MessageTypeError, Data: map[string]string{"message": "project_id is required"}}
		}
		if in.Type == MessageTypeUnsubscribe {
			c.mu.Lock()
			delete(c.projects, ref.ProjectID)
			c.mu.Unlock()
			return &Message{Type: MessageTypeUnsubscribed, Data: ref}
		}
		actx, cancel := context.WithTimeout(ctx, authorizeWait)
		ok, err := c.authz.CanViewProject(actx, c.userID, ref.ProjectID)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Int64("user_id", c.userID).Msg("Websocket subscription check failed")
			return &Message{Type: MessageTypeError, Data: map[string]string{"message": "authorization unavailable"}}
		}
		if !ok {
			return &Message{Type: MessageTypeError, Data: map[string]any{"message": "forbidden", "project_id": ref.ProjectID}}
		}
		c.mu.Lock()
		c.projects[ref.ProjectID] = true
		c.mu.Unlock()
		return &Message{Type: MessageTypeSubscribed, Data: ref}
	default:
		return &Message{Type: MessageTypeError, Data: map[string]string{"message": "unknown message type"}}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("Unexpected websocket close")
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"message": "invalid JSON"}})
			continue
		}
		if out := c.handle(context.Background(), in); out != nil {
			c.reply(*out)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			body, err := MarshalMessage(msg)
			if err != nil {
				logging.Error().Err(err).Str("message_type", msg.Type).Msg("Failed to encode websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
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

// Start registers the client and starts its pumps.
func (c *Client) Start() {
	c.hub.Register <- c
	go c.writePump()
	go c.readPump()
}
