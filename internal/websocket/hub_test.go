// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package websocket

import (
	"context"
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func testClient(hub *Hub, userID int64, projects ...int64) *Client {
	c := NewClient(hub, nil, userID, nil)
	for _, p := range projects {
		c.projects[p] = true
	}
	return c
}

func receive(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case m, ok := <-c.send:
		return m, ok
	case <-time.After(500 * time.Millisecond):
		return Message{}, false
	}
}

func TestHubFiltersByProject(t *testing.T) {
	hub := startHub(t)

	a := testClient(hub, 1, 10)
	b := testClient(hub, 2, 20)
	both := testClient(hub, 3, 10, 20)
	for _, c := range []*Client{a, b, both} {
		hub.Register <- c
	}

	hub.BroadcastToProject(10, MessageTypeSyncCompleted, map[string]int{"rows": 5})

	m, ok := receive(t, a)
	if !ok || m.Type != MessageTypeSyncCompleted {
		t.Fatalf("subscriber of project 10 got %+v, %v", m, ok)
	}
	if m, ok := receive(t, both); !ok || m.Type != MessageTypeSyncCompleted {
		t.Fatalf("subscriber of both projects got %+v, %v", m, ok)
	}
	select {
	case m := <-b.send:
		t.Fatalf("project 20 subscriber received %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := testClient(hub, 1)
	hub.Register <- c
	hub.Unregister <- c

	if _, ok := receive(t, c); ok {
		t.Fatal("send channel should be closed")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("ClientCount() = %d, want 0", n)
	}
	// A second unregister must not panic on the closed channel.
	hub.Unregister <- c
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := startHub(t)
	slow := testClient(hub, 1, 5)
	slow.send = make(chan Message, 1)
	hub.Register <- slow

	hub.BroadcastToProject(5, MessageTypeSyncStarted, nil)
	hub.BroadcastToProject(5, MessageTypeSyncCompleted, nil)

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("slow client still registered, count = %d", n)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Serve(ctx) }()

	c := testClient(hub, 1)
	hub.Register <- c
	cancel()

	if err := <-errc; err != context.Canceled {
		t.Fatalf("Serve() = %v, want context.Canceled", err)
	}
	if _, ok := <-c.send; ok {
		t.Fatal("client send channel should be closed on shutdown")
	}
}

func TestBroadcastQueueFull(t *testing.T) {
	hub := NewHub()
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.BroadcastToProject(1, MessageTypeSyncStarted, i)
	}
	if got := len(hub.broadcast); got != cap(hub.broadcast) {
		t.Fatalf("queued %d, want %d", got, cap(hub.broadcast))
	}
}

func TestMarshalMessage(t *testing.T) {
	b, err := MarshalMessage(Message{Type: MessageTypePong})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"pong","data":null}` {
		t.Fatalf("MarshalMessage() = %s", b)
	}
}
