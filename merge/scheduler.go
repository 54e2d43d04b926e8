// Package merge drains the per-shard queues into one stream ordered by the
// configured rule.
//
// Each iteration repeatedly takes the smallest head among the queues that
// currently hold a record. A queue that is momentarily empty is skipped, so
// order across shards is best effort while each shard stays FIFO.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/ack"
	"github.com/maxpert/cdcsink/queue"
	"github.com/maxpert/cdcsink/record"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchSize is the maximum number of records per delivered batch
	DefaultBatchSize = 1000
	// DefaultIdleInterval is the sleep after an iteration found no records
	DefaultIdleInterval = 200 * time.Millisecond
)

// ErrAlreadyStarted is returned when Start is called twice
var ErrAlreadyStarted = errors.New("merge scheduler already started")

// State is the lifecycle state of a Scheduler
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// ShardSource lists the live queues in a fixed order
type ShardSource interface {
	Shards() []queue.Shard
}

// DeliverFunc writes a merged batch. positions holds every importer that
// contributed to the batch, including importers whose only contribution was
// a finished marker, in which case batch may be empty.
type DeliverFunc func(ctx context.Context, batch []record.Record, positions ack.Positions) error

// Config configures the merge scheduler
type Config struct {
	Shards       ShardSource       // Queues to merge
	Compare      record.Comparator // Ordering rule
	BatchSize    int               // Records per iteration
	IdleInterval time.Duration     // Sleep when every queue was empty
	Deliver      DeliverFunc       // Delivery path
}

// Scheduler runs the merge loop on its own goroutine
type Scheduler struct {
	config      Config
	state       atomic.Int32
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	doneOnce    sync.Once
	lifecycleMu sync.Mutex

	errMu sync.Mutex
	err   error

	batches atomic.Uint64
	records atomic.Uint64
}

// New creates a scheduler in the NotStarted state
func New(config Config) (*Scheduler, error) {
	if config.Shards == nil {
		return nil, fmt.Errorf("shard source is required")
	}
	if config.Compare == nil {
		return nil, fmt.Errorf("ordering rule is required")
	}
	if config.Deliver == nil {
		return nil, fmt.Errorf("deliver function is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultIdleInterval
	}

	return &Scheduler{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the merge loop. ctx is handed to every delivery; Stop does
// not cancel it so an in-flight delivery always completes.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return ErrAlreadyStarted
	}
	telemetry.MergeState.Set(float64(Running))

	log.Info().
		Int("batch_size", s.config.BatchSize).
		Dur("idle_interval", s.config.IdleInterval).
		Msg("Starting ordering merge scheduler")

	go s.run(ctx)
	return nil
}

// Stop asks the loop to exit after the current iteration and returns without
// waiting. Use Done to wait. Stopping a scheduler that never started moves it
// straight to Stopped.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch State(s.state.Load()) {
	case NotStarted:
		s.setState(Stopped)
		s.doneOnce.Do(func() { close(s.doneCh) })
	case Running:
		s.setState(Stopping)
		log.Info().Msg("Stopping ordering merge scheduler")
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the scheduler reached Stopped
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Err returns the delivery error that stopped the loop, if any
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Batches returns the number of delivered batches
func (s *Scheduler) Batches() uint64 {
	return s.batches.Load()
}

// Records returns the number of merged data records
func (s *Scheduler) Records() uint64 {
	return s.records.Load()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	telemetry.MergeState.Set(float64(st))
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.setState(Stopped)
		s.doneOnce.Do(func() { close(s.doneCh) })
		log.Info().
			Uint64("batches", s.batches.Load()).
			Uint64("records", s.records.Load()).
			Msg("Ordering merge scheduler stopped")
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		batch, positions := s.next()
		if len(positions) == 0 {
			telemetry.MergeIdleTotal.Inc()
			if !s.sleep(ctx, s.config.IdleInterval) {
				return
			}
			continue
		}

		telemetry.MergeBatchRecords.Observe(float64(len(batch)))
		if err := s.config.Deliver(ctx, batch, positions); err != nil {
			log.Error().
				Err(err).
				Int("records", len(batch)).
				Int("importers", len(positions)).
				Msg("Failed to deliver merged batch")
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			return
		}
		s.batches.Add(1)
		s.records.Add(uint64(len(batch)))
	}
}

// next runs one merge iteration over a snapshot of the live queues. Ties go
// to the shard listed first.
func (s *Scheduler) next() ([]record.Record, ack.Positions) {
	shards := s.config.Shards.Shards()
	positions := make(ack.Positions)
	var batch []record.Record

	for len(batch) < s.config.BatchSize {
		best := -1
		var smallest *record.DataRecord
		for i, sh := range shards {
			head, ok := s.head(sh, positions)
			if !ok {
				continue
			}
			if best < 0 || s.config.Compare(head, smallest) < 0 {
				best = i
				smallest = head
			}
		}
		if best < 0 {
			break
		}

		shards[best].Queue.Poll()
		batch = append(batch, smallest)
		s.track(positions, shards[best], smallest, 1)
	}

	return batch, positions
}

// head returns the first data record of a shard. Finished markers in front of
// it are consumed into positions so they never block the queue.
func (s *Scheduler) head(sh queue.Shard, positions ack.Positions) (*record.DataRecord, bool) {
	for {
		rec, ok := sh.Queue.Peek()
		if !ok {
			return nil, false
		}
		if data, ok := rec.(*record.DataRecord); ok {
			return data, true
		}
		sh.Queue.Poll()
		s.track(positions, sh, rec, 0)
	}
}

// track uses the importer captured at registration, so a shard cleaned
// during the iteration still gets its position acknowledged
func (s *Scheduler) track(positions ack.Positions, sh queue.Shard, rec record.Record, n int) {
	p, ok := positions[sh.ID]
	if !ok {
		p = record.PendingPosition{Importer: sh.Importer}
	}
	p.LastRecord = rec
	p.DataRecords += n
	positions[sh.ID] = p
}

// sleep waits for d, returning false if the scheduler was stopped meanwhile
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
