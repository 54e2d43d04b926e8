package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/maxpert/cdcsink/cfg"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/rs/zerolog/log"
)

func init() {
	Register(cfg.TransportListen, func(config cfg.TransportConfiguration) (Transport, error) {
		return NewSessionTransport(SocketOptions{HighWater: config.HighWater}), nil
	})
}

// SessionTransport is fed by subscribers connecting to the server. It holds
// at most one live session. Without a session it stays open but unwritable,
// so writers wait in the gate until a subscriber attaches.
type SessionTransport struct {
	opts     SocketOptions
	mu       sync.Mutex
	session  *SocketTransport
	open     atomic.Bool
	writable chan struct{}
	sessions atomic.Uint64
}

// NewSessionTransport creates a listening transport without a session
func NewSessionTransport(opts SocketOptions) *SessionTransport {
	t := &SessionTransport{
		opts:     opts,
		writable: make(chan struct{}, 1),
	}
	t.open.Store(true)
	return t
}

// Attach makes conn the active session. It fails with ErrBusy while another
// session is live and with ErrClosed after Close.
func (t *SessionTransport) Attach(conn net.Conn) (*SocketTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open.Load() {
		return nil, ErrClosed
	}
	if t.session != nil && t.session.IsOpen() {
		return nil, ErrBusy
	}

	s := NewSocket(conn, t.opts)
	t.session = s
	t.sessions.Add(1)
	telemetry.SubscriberSessions.Set(1)

	go t.forward(s)

	log.Info().Str("remote", s.remoteAddr()).Msg("Subscriber session attached")
	t.signal()
	return s, nil
}

// forward relays the session's writability signals and clears the session
// once it ends
func (t *SessionTransport) forward(s *SocketTransport) {
	for {
		select {
		case <-s.Writable():
			t.signal()
		case <-s.closed:
			t.mu.Lock()
			if t.session == s {
				t.session = nil
				telemetry.SubscriberSessions.Set(0)
			}
			t.mu.Unlock()
			t.signal()
			return
		}
	}
}

func (t *SessionTransport) current() *SocketTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// IsOpen reports whether the transport was not closed
func (t *SessionTransport) IsOpen() bool {
	return t.open.Load()
}

// IsWritable reports whether a live session can take a frame
func (t *SessionTransport) IsWritable() bool {
	s := t.current()
	return t.open.Load() && s != nil && s.IsWritable()
}

// Writable is signalled on session changes and when the session drained
func (t *SessionTransport) Writable() <-chan struct{} {
	return t.writable
}

// OnAck sets the ack handler for the current and future sessions
func (t *SessionTransport) OnAck(h AckHandler) {
	t.mu.Lock()
	t.opts.OnAck = h
	s := t.session
	t.mu.Unlock()

	if s != nil {
		s.OnAck(h)
	}
}

// Write hands f to the active session
func (t *SessionTransport) Write(f Frame) error {
	if !t.open.Load() {
		return ErrClosed
	}
	s := t.current()
	if s == nil {
		return ErrNoSession
	}
	// The subscriber may hang up between the writability check and here
	if err := s.Write(f); err != nil {
		if errors.Is(err, ErrClosed) && t.open.Load() {
			return ErrNoSession
		}
		return err
	}
	return nil
}

// Close closes the active session and rejects future ones
func (t *SessionTransport) Close() error {
	if !t.open.Swap(false) {
		return nil
	}

	var err error
	if s := t.current(); s != nil {
		err = s.Close()
	}
	t.signal()
	return err
}

// Sessions returns how many subscribers attached so far
func (t *SessionTransport) Sessions() uint64 {
	return t.sessions.Load()
}

// Active reports whether a subscriber is attached
func (t *SessionTransport) Active() bool {
	s := t.current()
	return s != nil && s.IsOpen()
}

func (t *SessionTransport) signal() {
	select {
	case t.writable <- struct{}{}:
	default:
	}
}
