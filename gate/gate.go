// Package gate blocks writers while the transport cannot take more data.
//
// The wait is a timed poll of the transport's writability. Transports that
// can tell when they drained implement Notifier and wake waiters early; the
// poll still runs, so a missed notification costs at most one timeout.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/telemetry"
)

// DefaultTimeout is the interval between writability checks
const DefaultTimeout = 200 * time.Millisecond

// Transport is the part of a transport the gate looks at
type Transport interface {
	IsOpen() bool
	IsWritable() bool
}

// Notifier is implemented by transports that signal when they became
// writable. The channel should be buffered and sent to without blocking.
type Notifier interface {
	Writable() <-chan struct{}
}

// Status is the outcome of Await
type Status int

const (
	// Ready means the transport is open and writable
	Ready Status = iota
	// Closed means the transport is closed; the caller must not write
	Closed
	// Cancelled means the caller's context ended while waiting
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Gate guards writes to one transport
type Gate struct {
	transport Transport
	notify    <-chan struct{} // nil when the transport has no notifications
	timeout   time.Duration

	waits atomic.Uint64
	polls atomic.Uint64
}

// New creates a gate polling t every timeout. A non-positive timeout
// selects DefaultTimeout.
func New(t Transport, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gate{
		transport: t,
		timeout:   timeout,
	}
	if n, ok := t.(Notifier); ok {
		g.notify = n.Writable()
	}
	return g
}

// Await blocks until the transport is writable, the transport closes or ctx
// ends. A closed transport wins over writability.
func (g *Gate) Await(ctx context.Context) Status {
	if !g.transport.IsOpen() {
		return Closed
	}
	if g.transport.IsWritable() {
		return Ready
	}

	g.waits.Add(1)
	telemetry.GateWaitsTotal.Inc()
	start := time.Now()
	defer func() {
		telemetry.GateWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Cancelled
		case <-timer.C:
			timer.Reset(g.timeout)
		case <-g.notify:
		}

		g.polls.Add(1)
		telemetry.GatePollsTotal.Inc()

		if !g.transport.IsOpen() {
			return Closed
		}
		if g.transport.IsWritable() {
			return Ready
		}
	}
}

// Waits returns how many Await calls had to block
func (g *Gate) Waits() uint64 {
	return g.waits.Load()
}

// Polls returns how many re-checks blocked callers performed
func (g *Gate) Polls() uint64 {
	return g.polls.Load()
}

// Timeout returns the poll interval
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}
