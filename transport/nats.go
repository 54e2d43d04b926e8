package transport

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/cfg"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNatsMaxPending = 256

	// AckTokenNatsHeader carries the ack token on JetStream messages
	AckTokenNatsHeader = "Ack-Token"
)

func init() {
	Register(cfg.TransportNats, func(config cfg.TransportConfiguration) (Transport, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats transport requires nats_url")
		}
		return NewNatsTransport(config.NatsURL, config.Subject, config.MaxInFlight)
	})
}

// NatsTransport publishes frames to a JetStream subject asynchronously
type NatsTransport struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	subject    string
	maxPending int
	open       atomic.Bool
	failed     atomic.Uint64
}

// NewNatsTransport connects to url and ensures a stream exists for subject
func NewNatsTransport(url, subject string, maxPending int) (*NatsTransport, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats transport requires a subject")
	}
	if maxPending <= 0 {
		maxPending = DefaultNatsMaxPending
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NatsTransport{
		nc:         nc,
		subject:    subject,
		maxPending: maxPending,
	}

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(maxPending),
		jetstream.WithPublishAsyncErrHandler(n.publishFailed),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	n.js = js

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(subject)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.open.Store(true)
	return n, nil
}

func (n *NatsTransport) publishFailed(_ jetstream.JetStream, msg *nats.Msg, err error) {
	n.failed.Add(1)
	log.Error().
		Err(err).
		Str("subject", msg.Subject).
		Str("ack_token", msg.Header.Get(AckTokenNatsHeader)).
		Msg("JetStream publish failed")
}

// IsOpen reports whether the transport and its connection are usable
func (n *NatsTransport) IsOpen() bool {
	return n.open.Load() && !n.nc.IsClosed()
}

// IsWritable reports whether fewer than the configured publishes await acks
func (n *NatsTransport) IsWritable() bool {
	pending := n.js.PublishAsyncPending()
	telemetry.TransportPending.With(cfg.TransportNats).Set(float64(pending))
	return n.IsOpen() && pending < n.maxPending
}

// Write publishes f asynchronously. The ack token doubles as the message ID
// so JetStream drops duplicates.
func (n *NatsTransport) Write(f Frame) error {
	if !n.IsOpen() {
		return ErrClosed
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    f.Payload,
		Header:  nats.Header{AckTokenNatsHeader: []string{f.AckToken}},
	}
	if _, err := n.js.PublishMsgAsync(msg, jetstream.WithMsgID(f.AckToken)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// Failed returns the number of rejected publishes
func (n *NatsTransport) Failed() uint64 {
	return n.failed.Load()
}

// Close waits briefly for pending publishes and closes the connection
func (n *NatsTransport) Close() error {
	if !n.open.Swap(false) {
		return nil
	}

	select {
	case <-n.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		log.Warn().
			Int("pending", n.js.PublishAsyncPending()).
			Msg("Closing NATS transport with unacknowledged publishes")
	}
	n.nc.Close()
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
