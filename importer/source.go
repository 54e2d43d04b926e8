package importer

import (
	"sync"

	"github.com/maxpert/cdcsink/record"
)

// Source yields the records of one shard. Bulk is closed at the end of the
// snapshot; Incremental is closed when the source stops, after which Err
// reports why.
type Source interface {
	Bulk() <-chan record.Record
	Incremental() <-chan record.Record
	Err() error
	Close() error
}

// ChanSource is a Source fed by the caller
type ChanSource struct {
	bulk        chan record.Record
	incremental chan record.Record
	closeOnce   sync.Once
	mu          sync.Mutex
	err         error
}

// NewChanSource creates a source with buffered channels of size buffer
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{
		bulk:        make(chan record.Record, buffer),
		incremental: make(chan record.Record, buffer),
	}
}

func (s *ChanSource) Bulk() <-chan record.Record        { return s.bulk }
func (s *ChanSource) Incremental() <-chan record.Record { return s.incremental }

// BulkIn returns the sending side of the snapshot channel
func (s *ChanSource) BulkIn() chan<- record.Record {
	return s.bulk
}

// IncrementalIn returns the sending side of the incremental channel
func (s *ChanSource) IncrementalIn() chan<- record.Record {
	return s.incremental
}

// EndBulk closes the snapshot channel
func (s *ChanSource) EndBulk() {
	close(s.bulk)
}

// Fail ends the incremental stream with err
func (s *ChanSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// Err returns the error passed to Fail
func (s *ChanSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the incremental stream
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.incremental)
	})
	return nil
}
