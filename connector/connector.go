// Package connector is the single entry point of the export path.
//
// Bulk records, and all records when no ordering rule is configured, are
// written straight to the transport. Incremental records are queued per
// importer and merged by one background scheduler once every shard signalled
// its incremental start. Every write is serialized and bound to an ack token
// so the subscriber's acknowledgment can be traced back to importer positions.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/ack"
	"github.com/maxpert/cdcsink/encoding"
	"github.com/maxpert/cdcsink/gate"
	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/merge"
	"github.com/maxpert/cdcsink/queue"
	"github.com/maxpert/cdcsink/record"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/maxpert/cdcsink/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTransportClosed is returned when a write finds the transport closed.
	// Nothing is buffered or retried.
	ErrTransportClosed = errors.New("transport closed")
	// ErrCodec is returned when a batch cannot be encoded. The batch is not
	// written.
	ErrCodec = errors.New("batch encoding failed")
	// ErrMergeStopped is returned by incremental writes once the merge
	// scheduler stopped on a delivery error. It wraps that error.
	ErrMergeStopped = errors.New("merge scheduler stopped")
)

// DefaultBatchSize is the queue capacity and merge batch size used when the
// caller does not give one
const DefaultBatchSize = 1000

// Config configures a Connector
type Config struct {
	Transport    transport.Transport    // Outbound transport, owned by the connector
	Database     string                 // Database name stamped on every batch
	ShardCount   int                    // Importers expected before the merge starts
	Compare      record.Comparator      // Ordering rule, nil disables merging
	Schemas      SchemaResolver         // Table to schema annotation
	Encoder      *encoding.BatchEncoder // Payload encoder
	Acks         *ack.Registry          // Token registry
	BatchSize    int                    // Default queue capacity and merge batch size
	GateTimeout  time.Duration          // Backpressure poll interval
	IdleInterval time.Duration          // Merge sleep when all queues are empty
}

// Connector implements the sink side of the export path
type Connector struct {
	config    Config
	gate      *gate.Gate
	queues    *queue.Registry
	importers *xsync.MapOf[string, record.Importer]

	writeMu sync.Mutex

	schedMu   sync.Mutex
	scheduler *merge.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	closed atomic.Bool

	batches   atomic.Uint64
	records   atomic.Uint64
	dropped   atomic.Uint64
	emptyAcks atomic.Uint64
	acked     atomic.Uint64
}

// New creates a connector that owns config.Transport
func New(config Config) (*Connector, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.ShardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", config.ShardCount)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Encoder == nil {
		enc, err := encoding.NewBatchEncoder(encoding.FormatMsgpack, encoding.CompressionNone)
		if err != nil {
			return nil, err
		}
		config.Encoder = enc
	}
	if config.Acks == nil {
		config.Acks = ack.NewRegistry(ack.NewTokenGenerator(hlc.NewClock(0)))
	}
	if config.Schemas == nil {
		resolver, err := NewTableSchemaResolver(nil, config.Database)
		if err != nil {
			return nil, err
		}
		config.Schemas = resolver
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		config:    config,
		gate:      gate.New(config.Transport, config.GateTimeout),
		queues:    queue.NewRegistry(config.ShardCount),
		importers: xsync.NewMapOf[string, record.Importer](),
		ctx:       ctx,
		cancel:    cancel,
	}

	if src, ok := config.Transport.(transport.AckSource); ok {
		src.OnAck(func(token string) {
			if err := c.Ack(token); err != nil {
				log.Warn().Err(err).Str("ack_token", token).Msg("Failed to apply subscriber ack")
			}
		})
	}

	log.Info().
		Str("database", config.Database).
		Int("shards", config.ShardCount).
		Bool("ordered", config.Compare != nil).
		Int("batch_size", config.BatchSize).
		Msg("Sink connector created")

	return c, nil
}

// Write hands records from imp to the export path. Bulk records, and every
// record when no ordering rule is configured, are delivered right away;
// incremental records are queued for the merge. A write for an importer
// without a queue is dropped with a warning. Once the merge stopped on a
// delivery error, incremental writes fail with ErrMergeStopped.
func (c *Connector) Write(ctx context.Context, records []record.Record, imp record.Importer, phase record.Phase) error {
	if len(records) == 0 {
		return nil
	}
	if c.closed.Load() {
		return ErrTransportClosed
	}

	if phase == record.PhaseBulk || c.config.Compare == nil {
		positions := ack.Positions{
			imp.ID(): {
				Importer:    imp,
				LastRecord:  record.Last(records),
				DataRecords: record.CountData(records),
			},
		}
		return c.deliver(ctx, records, positions, phase)
	}

	err := c.queues.Enqueue(ctx, imp.ID(), records)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrClosed) && c.closed.Load():
		return ErrTransportClosed
	case errors.Is(err, ErrMergeStopped):
		return err
	case errors.Is(err, queue.ErrNotRegistered), errors.Is(err, queue.ErrClosed):
		c.dropped.Add(uint64(len(records)))
		telemetry.DroppedRecordsTotal.Add(float64(len(records)))
		log.Warn().
			Err(err).
			Str("importer", imp.ID()).
			Int("records", len(records)).
			Msg("Dropping incremental records without a shard queue")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug().Str("importer", imp.ID()).Msg("Enqueue interrupted")
		return nil
	default:
		return err
	}
}

// SignalIncrementalStart registers imp's queue with room for batchSize
// records. The call that brings the registered shards to the configured
// count starts the merge scheduler when ordering is enabled. Repeated calls
// for the same importer do nothing.
func (c *Connector) SignalIncrementalStart(imp record.Importer, batchSize int) error {
	if batchSize <= 0 {
		batchSize = c.config.BatchSize
	}
	id := imp.ID()

	if _, loaded := c.importers.LoadOrStore(id, imp); loaded && c.queues.Get(id) != nil {
		return nil
	}

	online, reached, err := c.queues.Register(imp, batchSize)
	if err != nil {
		c.importers.Delete(id)
		return fmt.Errorf("failed to register shard queue for %s: %w", id, err)
	}
	telemetry.ShardsOnline.Set(float64(online))

	log.Info().
		Str("importer", id).
		Int("online", online).
		Int("shards", c.config.ShardCount).
		Msg("Importer switched to incremental")

	if reached && c.config.Compare != nil {
		return c.startScheduler(batchSize)
	}
	return nil
}

// Clean removes imp's queue. For an incremental importer it also asks the
// merge scheduler to stop after its current iteration.
func (c *Connector) Clean(imp record.Importer) {
	id := imp.ID()
	removed := c.queues.Remove(id)
	c.importers.Delete(id)

	log.Info().
		Str("importer", id).
		Stringer("phase", imp.Phase()).
		Bool("had_queue", removed).
		Msg("Cleaning importer")

	if imp.Phase() != record.PhaseIncremental {
		return
	}

	c.schedMu.Lock()
	s := c.scheduler
	c.schedMu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// IsIncrementalRunning reports whether importer id signalled its incremental
// start and was not cleaned since
func (c *Connector) IsIncrementalRunning(id string) bool {
	return c.queues.Get(id) != nil
}

// Close closes the transport, which releases writers parked in the gate,
// wakes producers blocked on full queues and stops the scheduler.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.config.Transport.Close()

	for _, sh := range c.queues.Shards() {
		sh.Queue.Close()
	}

	c.schedMu.Lock()
	s := c.scheduler
	c.schedMu.Unlock()
	if s != nil {
		s.Stop()
		<-s.Done()
	}
	c.cancel()

	log.Info().
		Uint64("batches", c.batches.Load()).
		Uint64("records", c.records.Load()).
		Int("outstanding_acks", c.config.Acks.Outstanding()).
		Msg("Sink connector closed")

	return err
}

// Ack applies the subscriber's acknowledgment of token: every importer in
// the batch is told how far it got and the token is released.
func (c *Connector) Ack(token string) error {
	positions, err := c.config.Acks.Resolve(token)
	if err != nil {
		if errors.Is(err, ack.ErrAlreadyAcked) {
			telemetry.AcksTotal.With("duplicate").Inc()
		} else {
			telemetry.AcksTotal.With("not_found").Inc()
		}
		return err
	}
	// Concurrent acks of one token: only the completing call applies it
	if !c.config.Acks.Complete(token) {
		telemetry.AcksTotal.With("duplicate").Inc()
		return fmt.Errorf("%w: %s", ack.ErrAlreadyAcked, token)
	}

	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := positions[id]
		if p.Importer != nil {
			p.Importer.Ack(p)
		}
	}

	c.acked.Add(1)
	telemetry.AcksTotal.With("ok").Inc()
	telemetry.AckTokensOutstanding.Set(float64(c.config.Acks.Outstanding()))
	return nil
}

// Importer returns the handle of a registered importer
func (c *Connector) Importer(id string) record.Importer {
	imp, _ := c.importers.Load(id)
	return imp
}

// startScheduler runs the merge with the batch size of the registration
// that completed the shard set
func (c *Connector) startScheduler(batchSize int) error {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	if c.scheduler != nil {
		return nil
	}

	s, err := merge.New(merge.Config{
		Shards:       c.queues,
		Compare:      c.config.Compare,
		BatchSize:    batchSize,
		IdleInterval: c.config.IdleInterval,
		Deliver:      c.deliverMerged,
	})
	if err != nil {
		return fmt.Errorf("failed to create merge scheduler: %w", err)
	}
	if err := s.Start(c.ctx); err != nil {
		return err
	}
	c.scheduler = s
	go c.watchScheduler(s)
	return nil
}

// watchScheduler fails every shard queue once s stopped on a delivery error,
// waking blocked producers with the cause
func (c *Connector) watchScheduler(s *merge.Scheduler) {
	<-s.Done()

	err := s.Err()
	if err == nil || c.closed.Load() {
		return
	}
	log.Error().Err(err).Msg("Merge scheduler failed, rejecting incremental writes")
	c.queues.Fail(fmt.Errorf("%w: %w", ErrMergeStopped, err))
}

func (c *Connector) deliverMerged(ctx context.Context, batch []record.Record, positions ack.Positions) error {
	return c.deliver(ctx, batch, positions, record.PhaseIncremental)
}

// deliver writes one batch. A batch without data records never reaches the
// transport: every importer in positions is acknowledged with its finished
// marker right away.
func (c *Connector) deliver(ctx context.Context, records []record.Record, positions ack.Positions, phase record.Phase) error {
	dataCount := record.CountData(records)
	if dataCount == 0 {
		c.ackEmpty(positions)
		return nil
	}

	rows := make([]encoding.Row, 0, dataCount)
	for _, r := range records {
		if data, ok := r.(*record.DataRecord); ok {
			rows = append(rows, encoding.NewRow(c.config.Schemas.Schema(data.Table), data))
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	start := time.Now()
	var token string
	for {
		switch c.gate.Await(ctx) {
		case gate.Closed:
			telemetry.DeliveryErrorsTotal.With("transport_closed").Inc()
			return ErrTransportClosed
		case gate.Cancelled:
			log.Debug().Int("records", dataCount).Msg("Delivery interrupted while waiting for transport")
			return nil
		}

		var err error
		token, err = c.config.Acks.Issue(positions)
		if err != nil {
			telemetry.DeliveryErrorsTotal.With("ack").Inc()
			return fmt.Errorf("failed to issue ack token: %w", err)
		}

		payload, err := c.config.Encoder.Encode(&encoding.Batch{
			AckToken: token,
			Database: c.config.Database,
			Rows:     rows,
		})
		if err != nil {
			c.config.Acks.Release(token)
			telemetry.DeliveryErrorsTotal.With("codec").Inc()
			return fmt.Errorf("%w: %w", ErrCodec, err)
		}

		err = c.config.Transport.Write(transport.Frame{
			AckToken: token,
			Records:  dataCount,
			Payload:  payload,
		})
		if err == nil {
			break
		}

		c.config.Acks.Release(token)
		switch {
		case errors.Is(err, transport.ErrNoSession):
			// Subscriber left after the gate check; wait for the next one
			telemetry.DeliveryErrorsTotal.With("no_session").Inc()
			log.Debug().Int("records", dataCount).Msg("Subscriber gone before write, waiting for transport")
			continue
		case errors.Is(err, transport.ErrClosed):
			telemetry.DeliveryErrorsTotal.With("transport_closed").Inc()
			return ErrTransportClosed
		default:
			telemetry.DeliveryErrorsTotal.With("write").Inc()
			return fmt.Errorf("failed to write batch: %w", err)
		}
	}

	c.batches.Add(1)
	c.records.Add(uint64(dataCount))
	telemetry.BatchesDeliveredTotal.With(phase.String()).Inc()
	telemetry.RecordsDeliveredTotal.With(phase.String()).Add(float64(dataCount))
	telemetry.DeliveryDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.AckTokensOutstanding.Set(float64(c.config.Acks.Outstanding()))

	log.Debug().
		Str("ack_token", token).
		Int("records", dataCount).
		Int("importers", len(positions)).
		Stringer("phase", phase).
		Msg("Delivered batch")
	return nil
}

func (c *Connector) ackEmpty(positions ack.Positions) {
	for id, p := range positions {
		c.emptyAcks.Add(1)
		telemetry.EmptyFinishAcksTotal.Inc()
		log.Debug().Str("importer", id).Msg("Acknowledging finished batch without write")
		if p.Importer != nil {
			p.Importer.Ack(p)
		}
	}
}
