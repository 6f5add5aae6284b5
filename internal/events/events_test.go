// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tomtom215/marketscope/internal/config"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	got  []broadcast
	seen chan struct{}
}

type broadcast struct {
	project int64
	msgType string
	data    any
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{seen: make(chan struct{}, 16)}
}

func (b *recordingBroadcaster) BroadcastToProject(projectID int64, msgType string, data any) {
	b.mu.Lock()
	b.got = append(b.got, broadcast{projectID, msgType, data})
	b.mu.Unlock()
	b.seen <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func runRouter(t *testing.T, r *Router) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()
	waitFor(t, r.Running())
	return func() {
		cancel()
		<-done
	}
}

func TestMessageType(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		TopicSyncStarted:        "sync_started",
		TopicSyncCompleted:      "sync_completed",
		TopicSyncFailed:         "sync_failed",
		TopicDataModelRefreshed: "datamodel_refreshed",
	}
	for topic, want := range tests {
		if got := MessageType(topic); got != want {
			t.Errorf("MessageType(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestDecodeTopic(t *testing.T) {
	t.Parallel()

	ev, err := DecodeTopic(TopicSyncFailed, []byte(`{"data_source_id":3,"project_id":9,"error":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9), ev.Project())
	assert.Equal(t, "boom", ev.(SyncEvent).Error)

	ev, err = DecodeTopic(TopicDataModelRefreshed, []byte(`{"data_model_id":4,"project_id":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Project())

	_, err = DecodeTopic("nope", []byte(`{}`))
	assert.Error(t, err)
	_, err = DecodeTopic(TopicSyncStarted, []byte(`{`))
	assert.Error(t, err)
}

func TestBusRoutesToHandlers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus, err := NewBus(config.EventsConfig{Backend: "gochannel"})
	require.NoError(t, err)

	b := newRecordingBroadcaster()
	invalidated := make(chan int64, 4)
	router := NewRouter(DefaultRouterConfig(), bus)
	router.Handle("ws", BroadcastHandler(b), AllTopics...)
	router.Handle("invalidate", InvalidateHandler(invalidatorFunc(func(id int64) { invalidated <- id })), TopicSyncCompleted)
	stop := runRouter(t, router)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, TopicSyncCompleted, SyncEvent{DataSourceID: 5, ProjectID: 11, Rows: 42}))
	waitFor(t, b.seen)

	select {
	case id := <-invalidated:
		assert.Equal(t, int64(5), id)
	case <-time.After(5 * time.Second):
		t.Fatal("metadata not invalidated")
	}

	require.NoError(t, bus.Publish(ctx, TopicDataModelRefreshed, DataModelEvent{DataModelID: 1, ProjectID: 12}))
	waitFor(t, b.seen)

	stop()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, TopicSyncStarted, SyncEvent{}), ErrClosed)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.got, 2)
	assert.Equal(t, int64(11), b.got[0].project)
	assert.Equal(t, "sync_completed", b.got[0].msgType)
	assert.Equal(t, int64(42), b.got[0].data.(SyncEvent).Rows)
	assert.Equal(t, "datamodel_refreshed", b.got[1].msgType)
}

type invalidatorFunc func(int64)

func (f invalidatorFunc) InvalidateDataSource(id int64) { f(id) }

type refresherFunc func(context.Context, int64) error

func (f refresherFunc) RefreshDependents(ctx context.Context, id int64) error { return f(ctx, id) }

func TestRefreshHandlerRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus, err := NewBus(config.EventsConfig{})
	require.NoError(t, err)
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	cfg := DefaultRouterConfig()
	cfg.RetryInitialInterval = time.Millisecond
	router := NewRouter(cfg, bus)
	router.Handle("refresh", RefreshHandler(refresherFunc(func(_ context.Context, id int64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("warehouse busy")
		}
		assert.Equal(t, int64(8), id)
		close(done)
		return nil
	})), TopicSyncCompleted)
	stop := runRouter(t, router)
	defer stop()

	require.NoError(t, bus.Publish(context.Background(), TopicSyncCompleted, SyncEvent{DataSourceID: 8}))
	waitFor(t, done)
}

func TestFailingHandlerIsPoisonedAfterRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus, err := NewBus(config.EventsConfig{})
	require.NoError(t, err)
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	cfg := DefaultRouterConfig()
	cfg.RetryMaxRetries = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond
	router := NewRouter(cfg, bus)
	router.Handle("refresh", RefreshHandler(refresherFunc(func(context.Context, int64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("model sql is broken")
	})), TopicSyncCompleted)

	poisoned := make(chan struct{}, 4)
	router.Handle("poison-watch", func(_ context.Context, _ string, _ []byte) error {
		poisoned <- struct{}{}
		return nil
	}, cfg.PoisonTopic)
	stop := runRouter(t, router)
	defer stop()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return attempts
	}

	require.NoError(t, bus.Publish(context.Background(), TopicSyncCompleted, SyncEvent{DataSourceID: 3}))
	waitFor(t, poisoned)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, cfg.RetryMaxRetries+1, count())

	// The failed message is acked, so the next event still reaches the handler.
	require.NoError(t, bus.Publish(context.Background(), TopicSyncCompleted, SyncEvent{DataSourceID: 4}))
	waitFor(t, poisoned)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2*(cfg.RetryMaxRetries+1), count())
}

func TestNATSBackend(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")

	bus, err := NewBus(config.EventsConfig{Backend: "nats", NATSURL: ns.ClientURL()})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "nats", bus.Backend())

	b := newRecordingBroadcaster()
	router := NewRouter(DefaultRouterConfig(), bus)
	router.Handle("ws", BroadcastHandler(b), SyncTopics...)
	stop := runRouter(t, router)
	defer stop()

	require.NoError(t, bus.Publish(context.Background(), TopicSyncStarted, SyncEvent{DataSourceID: 1, ProjectID: 3, Trigger: "manual"}))
	waitFor(t, b.seen)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, int64(3), b.got[0].project)
	assert.Equal(t, "sync_started", b.got[0].msgType)
}

func TestNewBusRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := NewBus(config.EventsConfig{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaForwarder(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	f := &KafkaForwarder{writer: w, topic: "events"}
	h := f.Handler()

	payload := []byte(`{"data_source_id":77,"project_id":1}`)
	require.NoError(t, h(context.Background(), TopicSyncCompleted, payload))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "77", string(w.msgs[0].Key))
	assert.Equal(t, payload, w.msgs[0].Value)
	assert.Equal(t, TopicSyncCompleted, string(w.msgs[0].Headers[0].Value))

	require.NoError(t, h(context.Background(), TopicDataModelRefreshed, []byte(`{"data_model_id":5}`)))
	assert.Equal(t, "5", string(w.msgs[1].Key))

	w.err = errors.New("broker down")
	assert.Error(t, h(context.Background(), TopicSyncFailed, payload))

	_, err := NewKafkaForwarder(nil, "")
	assert.Error(t, err)
}
