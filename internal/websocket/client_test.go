// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type projectACL map[int64]bool

func (a projectACL) CanViewProject(_ context.Context, _, projectID int64) (bool, error) {
	if projectID == 99 {
		return false, errors.New("db down")
	}
	return a[projectID], nil
}

func TestClientHandle(t *testing.T) {
	c := NewClient(NewHub(), nil, 1, projectACL{7: true})
	ctx := context.Background()

	out := c.handle(ctx, inbound{Type: MessageTypePing})
	assert.Equal(t, MessageTypePong, out.Type)

	out = c.handle(ctx, inbound{Type: MessageTypeSubscribe, Data: []byte(`{"project_id":7}`)})
	assert.Equal(t, MessageTypeSubscribed, out.Type)
	assert.True(t, c.Subscribed(7))

	out = c.handle(ctx, inbound{Type: MessageTypeSubscribe, Data: []byte(`{"project_id":8}`)})
	assert.Equal(t, MessageTypeError, out.Type)
	assert.False(t, c.Subscribed(8))

	out = c.handle(ctx, inbound{Type: MessageTypeSubscribe, Data: []byte(`{"project_id":99}`)})
	assert.Equal(t, MessageTypeError, out.Type)

	out = c.handle(ctx, inbound{Type: MessageTypeSubscribe, Data: []byte(`{}`)})
	assert.Equal(t, MessageTypeError, out.Type)

	out = c.handle(ctx, inbound{Type: MessageTypeUnsubscribe, Data: []byte(`{"project_id":7}`)})
	assert.Equal(t, MessageTypeUnsubscribed, out.Type)
	assert.False(t, c.Subscribed(7))

	out = c.handle(ctx, inbound{Type: "dance"})
	assert.Equal(t, MessageTypeError, out.Type)
}

func TestClientOverConnection(t *testing.T) {
	hub := startHub(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(hub, conn, 42, projectACL{3: true}).Start()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "data": map[string]int{"project_id": 3}}))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageTypeSubscribed, msg.Type)

	hub.BroadcastToProject(4, MessageTypeSyncStarted, nil)
	hub.BroadcastToProject(3, MessageTypeSyncCompleted, map[string]int{"data_source_id": 12})

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeSyncCompleted, msg.Type)
	assert.Equal(t, map[string]any{"data_source_id": float64(12)}, msg.Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeError, msg.Type)
}
