package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/cfg"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaMaxInFlight = 256
	DefaultKafkaBatchBytes  = 1 << 20 // 1MB

	// AckTokenHeader carries the ack token on brokered messages
	AckTokenHeader = "ack_token"
)

func init() {
	Register(cfg.TransportKafka, func(config cfg.TransportConfiguration) (Transport, error) {
		return NewKafkaTransport(KafkaConfig{
			Brokers:      config.Brokers,
			Topic:        config.Topic,
			MaxInFlight:  config.MaxInFlight,
			BatchBytes:   DefaultKafkaBatchBytes,
			WriteTimeout: time.Duration(config.WriteTimeoutMS) * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		})
	})
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers      []string           // Kafka broker addresses
	Topic        string             // Destination topic
	MaxInFlight  int                // Unacknowledged messages before unwritable
	BatchBytes   int64              // Max batch bytes (default: 1MB)
	WriteTimeout time.Duration      // Broker write timeout
	RequiredAcks kafka.RequiredAcks // Ack requirement
}

// KafkaTransport publishes frames to a topic with an async writer. Every
// frame uses the topic name as key so all frames land on one partition in
// write order.
type KafkaTransport struct {
	writer      *kafka.Writer
	key         []byte
	maxInFlight int64
	inFlight    atomic.Int64
	failed      atomic.Uint64
	open        atomic.Bool
}

// NewKafkaTransport creates a new KafkaTransport
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka transport requires a topic")
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultKafkaMaxInFlight
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	k := &KafkaTransport{
		key:         []byte(config.Topic),
		maxInFlight: int64(config.MaxInFlight),
	}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		WriteTimeout:           config.WriteTimeout,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion:             k.complete,
	}
	k.open.Store(true)

	return k, nil
}

func (k *KafkaTransport) complete(messages []kafka.Message, err error) {
	left := k.inFlight.Add(-int64(len(messages)))
	telemetry.TransportPending.With(cfg.TransportKafka).Set(float64(left))
	if err != nil {
		k.failed.Add(uint64(len(messages)))
		log.Error().
			Err(err).
			Int("messages", len(messages)).
			Str("topic", k.writer.Topic).
			Msg("Kafka delivery failed")
	}
}

// IsOpen reports whether Close was not called
func (k *KafkaTransport) IsOpen() bool {
	return k.open.Load()
}

// IsWritable reports whether fewer than MaxInFlight messages await the broker
func (k *KafkaTransport) IsWritable() bool {
	return k.open.Load() && k.inFlight.Load() < k.maxInFlight
}

// Write hands f to the async writer
func (k *KafkaTransport) Write(f Frame) error {
	if !k.open.Load() {
		return ErrClosed
	}

	msg := kafka.Message{
		Key:   k.key,
		Value: f.Payload,
		Headers: []kafka.Header{
			{Key: AckTokenHeader, Value: []byte(f.AckToken)},
		},
	}

	k.inFlight.Add(1)
	if err := k.writer.WriteMessages(context.Background(), msg); err != nil {
		k.inFlight.Add(-1)
		return fmt.Errorf("failed to publish to %s: %w", k.writer.Topic, err)
	}
	return nil
}

// Failed returns the number of messages the broker rejected
func (k *KafkaTransport) Failed() uint64 {
	return k.failed.Load()
}

// Close flushes pending messages and releases the writer
func (k *KafkaTransport) Close() error {
	if !k.open.Swap(false) {
		return nil
	}
	return k.writer.Close()
}
