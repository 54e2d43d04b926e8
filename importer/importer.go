// Package importer drives sharded ingestion tasks through their bulk and
// incremental phases into a sink connector.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/checkpoint"
	"github.com/maxpert/cdcsink/record"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 100 * time.Millisecond
)

// Sink is the part of the connector an importer talks to
type Sink interface {
	Write(ctx context.Context, records []record.Record, imp record.Importer, phase record.Phase) error
	SignalIncrementalStart(imp record.Importer, batchSize int) error
	Clean(imp record.Importer)
}

// Config configures a ShardImporter
type Config struct {
	ID            string
	Source        Source
	Sink          Sink
	Filter        Filter            // Optional, nil exports every table
	Checkpoints   *checkpoint.Store // Optional
	BatchSize     int
	FlushInterval time.Duration
}

// ShardImporter reads one shard's source and hands its records to the sink.
// It exports the bulk snapshot first, marks its end with a FinishedRecord,
// then joins the ordered merge for the incremental stream.
type ShardImporter struct {
	config Config
	phase  atomic.Uint32

	read     atomic.Uint64
	filtered atomic.Uint64
	acked    atomic.Uint64
	acks     atomic.Uint64
	finished atomic.Bool

	// resume is the checkpointed position, skipped records are at or before it
	resume    record.Position
	hasResume bool
}

// New creates a shard importer. A checkpoint marked finished skips the bulk
// phase.
func New(config Config) (*ShardImporter, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("importer ID is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("importer %s: source is required", config.ID)
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("importer %s: sink is required", config.ID)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}

	s := &ShardImporter{config: config}
	if config.Checkpoints != nil {
		cp, ok, err := config.Checkpoints.Load(config.ID)
		if err != nil {
			return nil, fmt.Errorf("importer %s: %w", config.ID, err)
		}
		if ok {
			s.resume = cp.Position
			s.hasResume = true
			s.finished.Store(cp.Finished)
			s.acked.Store(cp.Records)
		}
	}
	return s, nil
}

func (s *ShardImporter) ID() string { return s.config.ID }

func (s *ShardImporter) Phase() record.Phase {
	return record.Phase(s.phase.Load())
}

// Ack records how far the subscriber has confirmed this importer's records
func (s *ShardImporter) Ack(pos record.PendingPosition) {
	s.acks.Add(1)
	s.acked.Add(uint64(pos.DataRecords))

	_, finished := pos.LastRecord.(*record.FinishedRecord)
	if finished {
		s.finished.Store(true)
	}

	if s.config.Checkpoints == nil || pos.LastRecord == nil {
		return
	}
	if _, err := s.config.Checkpoints.Advance(s.config.ID, pos.LastRecord.Position(), pos.DataRecords, finished); err != nil {
		log.Error().Err(err).Str("importer", s.config.ID).Msg("Unable to save checkpoint")
	}
}

// Acked returns the number of acknowledged data records
func (s *ShardImporter) Acked() uint64 { return s.acked.Load() }

// Acks returns how many acknowledgements were received
func (s *ShardImporter) Acks() uint64 { return s.acks.Load() }

// Read returns the number of records taken from the source
func (s *ShardImporter) Read() uint64 { return s.read.Load() }

// Filtered returns the number of records dropped by the filter
func (s *ShardImporter) Filtered() uint64 { return s.filtered.Load() }

// BulkFinished reports whether the end of the bulk phase was acknowledged
func (s *ShardImporter) BulkFinished() bool { return s.finished.Load() }

// Run exports the shard until the source ends or ctx is cancelled. On
// return the source is closed and the sink cleaned up for this importer.
func (s *ShardImporter) Run(ctx context.Context) error {
	defer s.config.Source.Close()
	defer s.config.Sink.Clean(s)
	l := log.With().Str("importer", s.config.ID).Logger()

	if s.finished.Load() {
		l.Info().Str("position", s.resume.String()).Msg("Bulk phase already exported, resuming incremental")
	} else {
		l.Info().Msg("Exporting bulk phase")
		if err := s.pump(ctx, s.config.Source.Bulk(), record.PhaseBulk, true); err != nil {
			return s.exitErr(err)
		}
		l.Info().Uint64("records", s.read.Load()).Msg("Bulk phase exported")
	}

	s.phase.Store(uint32(record.PhaseIncremental))
	if err := s.config.Sink.SignalIncrementalStart(s, s.config.BatchSize); err != nil {
		return fmt.Errorf("importer %s: %w", s.config.ID, err)
	}

	l.Info().Msg("Streaming incremental phase")
	if err := s.pump(ctx, s.config.Source.Incremental(), record.PhaseIncremental, false); err != nil {
		return s.exitErr(err)
	}
	if err := s.config.Source.Err(); err != nil {
		return fmt.Errorf("importer %s: %w", s.config.ID, err)
	}

	l.Info().Msg("Source ended")
	return nil
}

// pump batches records from ch into the sink. When finish is set, the final
// batch ends with a FinishedRecord at the position of the last record read.
func (s *ShardImporter) pump(ctx context.Context, ch <-chan record.Record, phase record.Phase, finish bool) error {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	last := s.resume
	batch := make([]record.Record, 0, s.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.config.Sink.Write(ctx, batch, s, phase)
		batch = make([]record.Record, 0, s.config.BatchSize)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-ch:
			if !ok {
				if finish {
					batch = append(batch, &record.FinishedRecord{Pos: last})
				}
				return flush()
			}

			if !s.accept(r) {
				continue
			}
			last = r.Position()
			batch = append(batch, r)
			if len(batch) >= s.config.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (s *ShardImporter) accept(r record.Record) bool {
	data, ok := r.(*record.DataRecord)
	if !ok {
		// Sources mark their own ends by closing channels
		return false
	}
	s.read.Add(1)

	if s.hasResume && data.Pos.LogSeq <= s.resume.LogSeq {
		return false
	}
	if s.config.Filter != nil && !s.config.Filter.Match(data.Database, data.Table) {
		s.filtered.Add(1)
		return false
	}
	return true
}

func (s *ShardImporter) exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("importer %s: %w", s.config.ID, err)
}
