// Package ack binds acknowledgment tokens to the per-importer positions a
// delivered batch covered.
//
// The registry never evicts on its own. An entry lives until the subscriber's
// acknowledgment completes it, or the delivery path releases a token whose
// batch never left. Outstanding entries therefore track unacknowledged
// batches, and their growth is bounded by the subscriber acknowledging, not by
// this package. Completed tokens are remembered in a bounded LRU so repeated
// acknowledgments from at-least-once transports can be told apart from
// unknown tokens.
package ack

import (
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/cdcsink/record"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultCompletedWindow is how many completed tokens are remembered
const DefaultCompletedWindow = 4096

var (
	// ErrNotFound is returned when resolving an unknown or released token
	ErrNotFound = errors.New("ack token not found")
	// ErrEmptyPositions is returned when issuing a token for nothing
	ErrEmptyPositions = errors.New("no positions to bind")
	// ErrAlreadyAcked is returned when resolving a recently completed token.
	// It matches ErrNotFound as well.
	ErrAlreadyAcked = fmt.Errorf("%w: already acknowledged", ErrNotFound)
)

// Positions maps importer ID to how far that importer got in one batch
type Positions map[string]record.PendingPosition

// Registry stores token -> Positions. One goroutine issues tokens (the
// delivery path); any number may resolve them concurrently.
type Registry struct {
	tokens    *TokenGenerator
	entries   *xsync.MapOf[string, Positions]
	completed *lru.Cache[string, struct{}]
	issued    atomic.Uint64
	released  atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry(tokens *TokenGenerator) *Registry {
	completed, err := lru.New[string, struct{}](DefaultCompletedWindow)
	if err != nil {
		panic("failed to create completed token cache: " + err.Error())
	}
	return &Registry{
		tokens:    tokens,
		entries:   xsync.NewMapOf[string, Positions](),
		completed: completed,
	}
}

// Issue stores a snapshot of positions under a new token and returns it.
// Later changes to the caller's map do not affect the stored snapshot.
func (r *Registry) Issue(positions Positions) (string, error) {
	if len(positions) == 0 {
		return "", ErrEmptyPositions
	}
	snapshot := maps.Clone(positions)

	for attempt := 0; attempt < 3; attempt++ {
		token := r.tokens.Next()
		if _, loaded := r.entries.LoadOrStore(token, snapshot); !loaded {
			r.issued.Add(1)
			return token, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique ack token")
}

// Resolve returns a copy of the positions bound to token
func (r *Registry) Resolve(token string) (Positions, error) {
	positions, ok := r.entries.Load(token)
	if !ok {
		if r.completed.Contains(token) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAcked, token)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return maps.Clone(positions), nil
}

// Complete forgets an acknowledged token and remembers it as completed. It
// reports whether the token was outstanding; only one of several concurrent
// callers wins.
func (r *Registry) Complete(token string) bool {
	if !r.Release(token) {
		return false
	}
	r.completed.Add(token, struct{}{})
	return true
}

// Release forgets token without marking it completed. It reports whether
// the token was outstanding.
func (r *Registry) Release(token string) bool {
	_, ok := r.entries.LoadAndDelete(token)
	if ok {
		r.released.Add(1)
	}
	return ok
}

// Outstanding returns the number of issued, unreleased tokens
func (r *Registry) Outstanding() int {
	return r.entries.Size()
}

// Issued returns the number of tokens issued so far
func (r *Registry) Issued() uint64 {
	return r.issued.Load()
}
