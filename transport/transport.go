// Package transport carries encoded batches to the subscriber.
//
// Writes are fire-and-forget and ordered: a transport accepts a frame,
// delivers frames in the order they were written and never retries. Callers
// check IsWritable (through the backpressure gate) before writing.
package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/cdcsink/cfg"
)

var (
	// ErrClosed is returned when writing to a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrNoSession is returned by a listening transport without a subscriber
	ErrNoSession = errors.New("no subscriber session")
	// ErrBusy is returned when a second subscriber tries to attach
	ErrBusy = errors.New("subscriber session already active")
)

// Frame is one encoded batch
type Frame struct {
	AckToken string // Token the subscriber acknowledges the batch with
	Records  int    // Data records in the batch
	Payload  []byte // Encoded batch
}

// Transport is an ordered, fire-and-forget outbound channel
type Transport interface {
	IsOpen() bool
	IsWritable() bool
	Write(f Frame) error
	Close() error
}

// AckHandler receives ack tokens sent back by the subscriber
type AckHandler func(token string)

// AckSource is implemented by transports that read acknowledgments from the
// same connection they write to
type AckSource interface {
	OnAck(h AckHandler)
}

// Factory creates a Transport from configuration
type Factory func(cfg.TransportConfiguration) (Transport, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a transport factory for a type
func Register(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// New creates the transport named by config.Type
func New(config cfg.TransportConfiguration) (Transport, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport type: %s", config.Type)
	}
	return factory(config)
}

// Kinds returns the registered transport types
func Kinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
