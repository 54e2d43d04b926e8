// Package checkpoint persists the last acknowledged position of every
// importer so ingestion can resume after a restart.
package checkpoint

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/cdcsink/encoding"
	"github.com/maxpert/cdcsink/record"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/rs/zerolog/log"
)

// prefixCheckpoint is the key prefix: /checkpoint/{importerID}
const prefixCheckpoint = "/checkpoint/"

// Pebble configuration constants
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 4
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("checkpoint store is closed")

// Checkpoint is the acknowledged progress of one importer
type Checkpoint struct {
	Importer  string          `msgpack:"imp" json:"importer"`
	Position  record.Position `msgpack:"pos" json:"position"`
	Records   uint64          `msgpack:"n" json:"records"`
	Finished  bool            `msgpack:"fin" json:"finished"`
	UpdatedAt int64           `msgpack:"at" json:"updated_at"`
}

// Store is a Pebble-backed checkpoint map with an in-memory copy
type Store struct {
	db   *pebble.DB
	path string

	cache   map[string]Checkpoint
	cacheMu sync.RWMutex

	closed atomic.Bool
}

// Open creates or opens the store at path and loads every checkpoint
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	s := &Store{
		db:    db,
		path:  path,
		cache: make(map[string]Checkpoint),
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	return s, nil
}

func (s *Store) load() error {
	prefix := []byte(prefixCheckpoint)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		id := string(iter.Key()[len(prefixCheckpoint):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var cp Checkpoint
		if err := encoding.Unmarshal(val, &cp); err != nil {
			return fmt.Errorf("corrupted checkpoint for importer %s: %w", id, err)
		}
		s.cache[id] = cp
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(s.cache) > 0 {
		log.Info().Int("checkpoints", len(s.cache)).Msg("Loaded importer checkpoints")
	}
	return nil
}

// Load returns the checkpoint of importer id
func (s *Store) Load(id string) (Checkpoint, bool, error) {
	if s.closed.Load() {
		return Checkpoint{}, false, ErrClosed
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	cp, ok := s.cache[id]
	return cp, ok, nil
}

// Advance moves importer id's checkpoint to pos and adds records to its
// count. Positions behind the stored one are ignored; the return value
// reports whether the checkpoint moved.
func (s *Store) Advance(id string, pos record.Position, records int, finished bool) (bool, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.closed.Load() {
		return false, ErrClosed
	}

	cp, ok := s.cache[id]
	if ok && pos.LogSeq < cp.Position.LogSeq {
		return false, nil
	}

	cp.Importer = id
	cp.Position = pos
	cp.Records += uint64(records)
	cp.Finished = cp.Finished || finished
	cp.UpdatedAt = time.Now().UnixMilli()

	val, err := encoding.Marshal(&cp)
	if err != nil {
		return false, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.db.Set([]byte(prefixCheckpoint+id), val, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to update checkpoint: %w", err)
	}

	s.cache[id] = cp
	telemetry.CheckpointSavesTotal.Inc()
	return true, nil
}

// Delete removes importer id's checkpoint
func (s *Store) Delete(id string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.db.Delete([]byte(prefixCheckpoint+id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	delete(s.cache, id)
	return nil
}

// All returns a copy of every checkpoint
func (s *Store) All() map[string]Checkpoint {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	out := make(map[string]Checkpoint, len(s.cache))
	for id, cp := range s.cache {
		out[id] = cp
	}
	return out
}

// Close closes the Pebble database once in-flight writes returned
func (s *Store) Close() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("checkpoint store already closed")
	}
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
