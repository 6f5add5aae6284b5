// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
)

// Message types.
const (
	MessageTypePing               = "ping"
	MessageTypePong               = "pong"
	MessageTypeSubscribe          = "subscribe"
	MessageTypeUnsubscribe        = "unsubscribe"
	MessageTypeSubscribed         = "subscribed"
	MessageTypeUnsubscribed       = "unsubscribed"
	MessageTypeError              = "error"
	MessageTypeSyncStarted        = "sync_started"
	MessageTypeSyncCompleted      = "sync_completed"
	MessageTypeSyncFailed         = "sync_failed"
	MessageTypeDataModelRefreshed = "datamodel_refreshed"
)

// Message is the wire format in both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ProjectRef is the payload of subscribe and unsubscribe messages.
type ProjectRef struct {
	ProjectID int64 `json:"project_id"`
}

type projectMessage struct {
	projectID int64
	msg       Message
}

// Hub tracks connected clients and fans project messages out to the
// clients subscribed to that project.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan projectMessage
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub. Call Serve to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan projectMessage, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub until ctx is canceled, then closes every client.
// Lifecycle events are handled before broadcasts so a newly registered
// client sees messages queued after its registration.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAllClients()
			logging.Info().Str("component", "websocket-hub").Int("clients_closed", n).Msg("Websocket hub stopped")
			return ctx.Err()
		default:
		}

		select {
		case c := <-h.Register:
			h.register(c)
			continue
		case c := <-h.Unregister:
			h.unregister(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			continue
		case c := <-h.Register:
			h.register(c)
		case c := <-h.Unregister:
			h.unregister(c)
		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	logging.Debug().Int64("user_id", c.userID).Int("total_clients", n).Msg("Websocket client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	logging.Debug().Int64("user_id", c.userID).Int("total_clients", n).Msg("Websocket client disconnected")
}

// deliver sends m to subscribed clients in client ID order. Clients that
// cannot keep up are dropped.
func (h *Hub) deliver(m projectMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.Subscribed(m.projectID) {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- m.msg:
		default:
			logging.Warn().Int64("user_id", c.userID).Msg("Websocket client too slow, disconnecting")
			close(c.send)
			delete(h.clients, c)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WebSocketClients.Set(0)
}

// BroadcastToProject queues a message for the project's subscribers.
func (h *Hub) BroadcastToProject(projectID int64, msgType string, data any) {
	select {
	case h.broadcast <- projectMessage{projectID: projectID, msg: Message{Type: msgType, Data: data}}:
	default:
		logging.Warn().Str("message_type", msgType).Int64("project_id", projectID).Msg("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarshalMessage encodes a message as JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
