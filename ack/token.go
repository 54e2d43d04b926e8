package ack

import (
	"strconv"

	"github.com/maxpert/cdcsink/hlc"
)

// TokenGenerator produces opaque acknowledgment tokens.
// Tokens are the hex form of HLC IDs, so within one process they are
// strictly increasing and never repeat. Thread-safe via the clock's mutex.
type TokenGenerator struct {
	clock *hlc.Clock
}

// NewTokenGenerator creates a generator backed by the given clock
func NewTokenGenerator(clock *hlc.Clock) *TokenGenerator {
	return &TokenGenerator{clock: clock}
}

// Next returns a fresh token
func (g *TokenGenerator) Next() string {
	id := g.clock.Now().ToID()
	s := strconv.FormatUint(id, 16)
	if len(s) < 16 {
		s = "0000000000000000"[len(s):] + s
	}
	return s
}
