package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/cdcsink/encoding"
	"github.com/maxpert/cdcsink/record"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaMinBytes = 1
	DefaultKafkaMaxBytes = 10 << 20 // 10MB
	kafkaSourceBuffer    = 256
)

// KafkaSourceConfig configures a KafkaSource
type KafkaSourceConfig struct {
	Brokers     []string // Kafka broker addresses
	Topic       string   // Changelog topic
	Partition   int      // Partition read by this shard
	StartOffset int64    // First offset to read, negative for the oldest
}

// KafkaSource reads one partition of a changelog topic. Messages carry
// msgpack-encoded DataRecords; the message offset becomes the record's log
// sequence. A changelog has no snapshot, so Bulk is closed from the start.
type KafkaSource struct {
	reader      *kafka.Reader
	bulk        chan record.Record
	incremental chan record.Record
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once

	mu  sync.Mutex
	err error
}

// NewKafkaSource starts reading config.Partition from config.StartOffset
func NewKafkaSource(config KafkaSourceConfig) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka source requires a topic")
	}
	if config.Partition < 0 {
		return nil, fmt.Errorf("invalid partition %d", config.Partition)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   config.Brokers,
		Topic:     config.Topic,
		Partition: config.Partition,
		MinBytes:  DefaultKafkaMinBytes,
		MaxBytes:  DefaultKafkaMaxBytes,
	})

	offset := config.StartOffset
	if offset < 0 {
		offset = kafka.FirstOffset
	}
	if err := reader.SetOffset(offset); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to seek partition %d to %d: %w", config.Partition, offset, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		reader:      reader,
		bulk:        make(chan record.Record),
		incremental: make(chan record.Record, kafkaSourceBuffer),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	close(s.bulk)

	log.Info().
		Str("topic", config.Topic).
		Int("partition", config.Partition).
		Int64("offset", offset).
		Msg("Reading changelog partition")

	go s.read(ctx)
	return s, nil
}

func (s *KafkaSource) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.incremental)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("failed to read changelog: %w", err))
			}
			return
		}

		rec, err := DecodeRecord(msg.Value)
		if err != nil {
			s.fail(fmt.Errorf("offset %d: %w", msg.Offset, err))
			return
		}
		rec.Pos.LogSeq = uint64(msg.Offset)

		select {
		case s.incremental <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (s *KafkaSource) fail(err error) {
	log.Error().Err(err).Msg("Changelog source stopped")
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *KafkaSource) Bulk() <-chan record.Record        { return s.bulk }
func (s *KafkaSource) Incremental() <-chan record.Record { return s.incremental }

// Err returns the error that ended the stream
func (s *KafkaSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops reading and closes the reader
func (s *KafkaSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}

// ErrNotDataRecord is returned when decoding a changelog message without a table
var ErrNotDataRecord = errors.New("changelog message is not a data record")

// EncodeRecord serializes r the way KafkaSource expects it
func EncodeRecord(r *record.DataRecord) ([]byte, error) {
	return encoding.Marshal(r)
}

// DecodeRecord parses a changelog message
func DecodeRecord(data []byte) (*record.DataRecord, error) {
	var r record.DataRecord
	if err := encoding.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode changelog record: %w", err)
	}
	if r.Table == "" {
		return nil, ErrNotDataRecord
	}
	return &r, nil
}
