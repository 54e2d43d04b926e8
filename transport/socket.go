package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/cfg"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHighWater is the number of queued frames at which a socket stops
	// reporting writable
	DefaultHighWater = 64
	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 5 * time.Second
)

func init() {
	Register(cfg.TransportSocket, func(config cfg.TransportConfiguration) (Transport, error) {
		if config.Address == "" {
			return nil, fmt.Errorf("socket transport requires address")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Dial(ctx, config.Address, SocketOptions{
			HighWater:    config.HighWater,
			WriteTimeout: time.Duration(config.WriteTimeoutMS) * time.Millisecond,
		})
	})
}

// SocketOptions configures a SocketTransport
type SocketOptions struct {
	HighWater    int           // Queued frames before unwritable
	WriteTimeout time.Duration // Deadline per frame write
	OnAck        AckHandler    // Receives tokens read from the connection
}

// SocketTransport writes frames to a stream connection from a single writer
// goroutine and reads ack frames from the same connection.
type SocketTransport struct {
	conn      net.Conn
	opts      SocketOptions
	pending   chan Frame
	writable  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	open      atomic.Bool
	done      sync.WaitGroup

	ackMu sync.RWMutex
	onAck AckHandler

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// Dial connects to a subscriber listening on addr
func Dial(ctx context.Context, addr string, opts SocketOptions) (*SocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial subscriber %s: %w", addr, err)
	}

	log.Info().Str("address", addr).Msg("Connected to subscriber")
	return NewSocket(conn, opts), nil
}

// NewSocket wraps an established connection and starts its I/O goroutines
func NewSocket(conn net.Conn, opts SocketOptions) *SocketTransport {
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	s := &SocketTransport{
		conn:     conn,
		opts:     opts,
		pending:  make(chan Frame, opts.HighWater),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
		onAck:    opts.OnAck,
	}
	s.open.Store(true)

	s.done.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// IsOpen reports whether the connection is still usable
func (s *SocketTransport) IsOpen() bool {
	return s.open.Load()
}

// IsWritable reports whether the outbound queue is below the high-water mark
func (s *SocketTransport) IsWritable() bool {
	return s.open.Load() && len(s.pending) < s.opts.HighWater
}

// Writable is signalled whenever the writer drained a frame or the socket closed
func (s *SocketTransport) Writable() <-chan struct{} {
	return s.writable
}

// OnAck replaces the ack handler
func (s *SocketTransport) OnAck(h AckHandler) {
	s.ackMu.Lock()
	s.onAck = h
	s.ackMu.Unlock()
}

// Write queues f behind previously written frames
func (s *SocketTransport) Write(f Frame) error {
	if !s.open.Load() {
		return ErrClosed
	}

	select {
	case s.pending <- f:
		telemetry.TransportPending.With(cfg.TransportSocket).Set(float64(len(s.pending)))
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Close closes the connection. Queued frames that were not yet written are
// discarded.
func (s *SocketTransport) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.open.Store(false)
		close(s.closed)
		err = s.conn.Close()
		s.signal()
		log.Info().
			Str("remote", s.remoteAddr()).
			Uint64("frames", s.frames.Load()).
			Uint64("bytes", s.bytes.Load()).
			Msg("Subscriber connection closed")
	})
	return err
}

// Done returns a channel closed after both I/O goroutines exited
func (s *SocketTransport) Done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.done.Wait()
		close(ch)
	}()
	return ch
}

// Frames returns the number of frames written to the connection
func (s *SocketTransport) Frames() uint64 {
	return s.frames.Load()
}

func (s *SocketTransport) signal() {
	select {
	case s.writable <- struct{}{}:
	default:
	}
}

func (s *SocketTransport) remoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *SocketTransport) writeLoop() {
	defer s.done.Done()

	for {
		var f Frame
		select {
		case <-s.closed:
			return
		case f = <-s.pending:
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			log.Warn().Err(err).Msg("Failed to set write deadline")
		}
		if err := WriteFrame(s.conn, f.Payload); err != nil {
			if s.open.Load() {
				log.Error().
					Err(err).
					Str("remote", s.remoteAddr()).
					Str("ack_token", f.AckToken).
					Msg("Failed to write frame to subscriber")
			}
			s.Close()
			return
		}

		s.frames.Add(1)
		s.bytes.Add(uint64(len(f.Payload) + frameHeaderSize))
		telemetry.TransportPending.With(cfg.TransportSocket).Set(float64(len(s.pending)))
		s.signal()
	}
}

func (s *SocketTransport) readLoop() {
	defer s.done.Done()

	r := bufio.NewReader(s.conn)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if s.open.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("remote", s.remoteAddr()).Msg("Failed to read ack frame")
			}
			s.Close()
			return
		}

		s.ackMu.RLock()
		h := s.onAck
		s.ackMu.RUnlock()
		if h == nil {
			log.Debug().Str("ack_token", string(payload)).Msg("Ignoring ack without handler")
			continue
		}
		h(string(payload))
	}
}
