// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
)

// HandlerFunc consumes one event. Returning an error triggers the router's
// retry middleware; once retries run out the message is moved to the
// poison topic and acked.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

// RouterConfig tunes retries and shutdown.
type RouterConfig struct {
	CloseTimeout         time.Duration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// PoisonTopic receives messages whose handler failed every retry.
	PoisonTopic string
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         15 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		PoisonTopic:          TopicPoisoned,
	}
}

// TopicPoisoned is the default poison topic.
const TopicPoisoned = "events.poisoned"

type handlerSpec struct {
	name   string
	topics []string
	fn     HandlerFunc
}

// Router dispatches bus events to registered handlers. The watermill
// router is rebuilt on every Serve so the supervisor can restart it.
type Router struct {
	cfg        RouterConfig
	subscriber message.Subscriber
	publisher  message.Publisher
	logger     watermill.LoggerAdapter

	mu       sync.Mutex
	handlers []handlerSpec
	running  chan struct{}
}

// NewRouter creates a router reading from bus.
func NewRouter(cfg RouterConfig, bus *Bus) *Router {
	return &Router{
		cfg:        cfg,
		subscriber: bus.Subscriber(),
		publisher:  bus.MessagePublisher(),
		logger:     bus.Logger(),
		running:    make(chan struct{}),
	}
}

// Handle registers fn for topics. Handlers must be registered before Serve.
func (r *Router) Handle(name string, fn HandlerFunc, topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handlerSpec{name: name, topics: topics, fn: fn})
}

// Running is closed once the first router run has subscribed to all topics.
func (r *Router) Running() <-chan struct{} { return r.running }

func (r *Router) build() (*message.Router, error) {
	wm, err := message.NewRouter(message.RouterConfig{CloseTimeout: r.cfg.CloseTimeout}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	// Outermost first: poison queue, then retry, then panic recovery, so
	// a handler that keeps failing is retried and then acked to the
	// poison topic instead of being redelivered forever.
	if r.cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueue(r.publisher, r.cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue: %w", err)
		}
		wm.AddMiddleware(poison)
	}
	retry := middleware.Retry{
		MaxRetries:      r.cfg.RetryMaxRetries,
		InitialInterval: r.cfg.RetryInitialInterval,
		MaxInterval:     r.cfg.RetryMaxInterval,
		Multiplier:      2,
		Logger:          r.logger,
	}
	wm.AddMiddleware(retry.Middleware)
	wm.AddMiddleware(middleware.Recoverer)

	if r.cfg.PoisonTopic != "" {
		wm.AddConsumerHandler("poisoned", r.cfg.PoisonTopic, r.subscriber, poisonedHandler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handlers {
		for _, topic := range h.topics {
			fn, topic := h.fn, topic
			wm.AddConsumerHandler(h.name+"."+topic, topic, r.subscriber, func(msg *message.Message) error {
				return fn(msg.Context(), topic, msg.Payload)
			})
		}
	}
	return wm, nil
}

// Serve runs the router until ctx is canceled.
func (r *Router) Serve(ctx context.Context) error {
	wm, err := r.build()
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-wm.Running():
			r.mu.Lock()
			select {
			case <-r.running:
			default:
				close(r.running)
			}
			r.mu.Unlock()
		case <-ctx.Done():
		}
	}()
	if err := wm.Run(ctx); err != nil {
		return fmt.Errorf("event router: %w", err)
	}
	return ctx.Err()
}

func (r *Router) String() string { return "event-router" }

// poisonedHandler records messages that exhausted their retries.
func poisonedHandler(msg *message.Message) error {
	topic := msg.Metadata.Get(middleware.PoisonedTopicKey)
	handler := msg.Metadata.Get(middleware.PoisonedHandlerKey)
	metrics.EventsPoisoned.WithLabelValues(topic, handler).Inc()
	logging.Ctx(msg.Context()).Error().
		Str("message_id", msg.UUID).
		Str("topic", topic).
		Str("handler", handler).
		Str("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)).
		Msg("Event handler failed after retries, message dropped")
	return nil
}
