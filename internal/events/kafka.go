// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tomtom215/marketscope/internal/logging"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder copies bus events to a Kafka topic for downstream
// consumers. Messages are keyed by data source so one source's events stay
// ordered within a partition.
type KafkaForwarder struct {
	writer messageWriter
	topic  string
}

// NewKafkaForwarder creates a forwarder writing to topic on brokers.
func NewKafkaForwarder(brokers []string, topic string) (*KafkaForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka forwarder: no brokers configured")
	}
	if topic == "" {
		topic = "marketscope.events"
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	logging.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Forwarding events to Kafka")
	return &KafkaForwarder{writer: w, topic: topic}, nil
}

// Handler returns the router handler that forwards events.
func (f *KafkaForwarder) Handler() HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		var key struct {
			DataSourceID int64 `json:"data_source_id"`
			DataModelID  int64 `json:"data_model_id"`
		}
		_ = Decode(payload, &key)
		id := key.DataSourceID
		if id == 0 {
			id = key.DataModelID
		}
		msg := kafka.Message{
			Key:     []byte(strconv.FormatInt(id, 10)),
			Value:   payload,
			Headers: []kafka.Header{{Key: "event_type", Value: []byte(topic)}},
			Time:    time.Now(),
		}
		if err := f.writer.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("write %s to kafka: %w", topic, err)
		}
		return nil
	}
}

// Close flushes and closes the writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
