// Package server shares one TCP port between the admin HTTP API and the
// subscriber socket of the listen transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcsink/transport"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
)

// DefaultSniffTimeout bounds how long a new connection may stay silent
// before it is treated as a subscriber. Subscribers usually wait for the
// first frame, so they are routed after this timeout.
const DefaultSniffTimeout = 500 * time.Millisecond

// Attacher accepts subscriber connections
type Attacher interface {
	Attach(conn net.Conn) (*transport.SocketTransport, error)
}

// Config holds configuration for the server
type Config struct {
	Address      string
	Port         int
	Handler      http.Handler  // Serves HTTP/1 requests
	Subscribers  Attacher      // Nil closes every non-HTTP connection
	SniffTimeout time.Duration // Zero uses DefaultSniffTimeout
}

// Server multiplexes HTTP and subscriber connections on one listener
type Server struct {
	config     Config
	listener   net.Listener
	mux        cmux.CMux
	httpServer *http.Server

	accepted atomic.Uint64
	rejected atomic.Uint64

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server; nothing listens until Start
func NewServer(config Config) *Server {
	if config.SniffTimeout <= 0 {
		config.SniffTimeout = DefaultSniffTimeout
	}
	if config.Handler == nil {
		config.Handler = http.NotFoundHandler()
	}
	return &Server{config: config}
}

// RegisterProfiling adds the pprof handlers to mux
func RegisterProfiling(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.mux = cmux.New(listener)
	s.mux.SetReadTimeout(s.config.SniffTimeout)

	httpListener := s.mux.Match(cmux.HTTP1Fast())
	subscriberListener := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{
		Handler:           s.config.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("address", listener.Addr().String()).
		Bool("subscribers", s.config.Subscribers != nil).
		Msg("Starting server")

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.acceptSubscribers(subscriberListener)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

func (s *Server) acceptSubscribers(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !isClosed(err) {
				log.Warn().Err(err).Msg("Subscriber accept failed")
			}
			return
		}

		if s.config.Subscribers == nil {
			s.reject(conn, errors.New("subscriber sessions are disabled"))
			continue
		}
		if _, err := s.config.Subscribers.Attach(conn); err != nil {
			s.reject(conn, err)
			continue
		}
		s.accepted.Add(1)
	}
}

func (s *Server) reject(conn net.Conn, err error) {
	s.rejected.Add(1)
	log.Warn().
		Err(err).
		Str("remote", conn.RemoteAddr().String()).
		Msg("Rejecting subscriber connection")
	conn.Close()
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accepted returns the number of subscriber connections attached
func (s *Server) Accepted() uint64 { return s.accepted.Load() }

// Rejected returns the number of subscriber connections turned away
func (s *Server) Rejected() uint64 { return s.rejected.Load() }

// Stop shuts down the HTTP server and closes the listener
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.listener == nil {
			return
		}
		log.Info().Msg("Stopping server")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		s.listener.Close()
		s.wg.Wait()
	})
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, cmux.ErrListenerClosed)
}
