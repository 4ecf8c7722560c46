// Package server owns the TCP listener and per-connection lifecycle for the
// speed-daemon protocol engine. Grounded on the teacher's accept-loop,
// Serve/Shutdown, and ready/error-channel idioms in this same package.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protohackers/speed-daemon/internal/framing"
	"github.com/protohackers/speed-daemon/internal/logging"
	"github.com/protohackers/speed-daemon/internal/metrics"
	"github.com/protohackers/speed-daemon/internal/ratelimit"
	"github.com/protohackers/speed-daemon/internal/session"
	"github.com/protohackers/speed-daemon/internal/ticketing"
)

// Server owns the TCP listener and coordinates connection lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string

	engine *ticketing.Engine

	writeTimeout   time.Duration
	readIdleTimeout time.Duration
	maxClients     int
	rateLimitHz    float64
	rateLimitBurst int

	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener net.Listener

	connsMu sync.Mutex
	conns   map[*framing.Framer]struct{}

	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted  atomic.Uint64
	totalConnected atomic.Uint64
	totalRejected  atomic.Uint64
}

const (
	defaultWriteTimeout    = 30 * time.Second
	defaultReadIdleTimeout = 120 * time.Second
)

type ServerOption func(*Server)

// NewServer constructs a Server. The Ticketing Engine is shared across all
// connections and must outlive the server (callers own its lifecycle).
func NewServer(engine *ticketing.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:          engine,
		writeTimeout:    defaultWriteTimeout,
		readIdleTimeout: defaultReadIdleTimeout,
		readyCh:         make(chan struct{}),
		errCh:           make(chan error, 1),
		conns:           make(map[*framing.Framer]struct{}),
		logger:          logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithReadIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readIdleTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) { s.maxClients = n }
}

func WithRateLimit(framesPerSec float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimitHz = framesPerSec
		s.rateLimitBurst = burst
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve accepts connections until ctx is cancelled or a fatal listener
// error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := listenTCP(ctx, addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrListen)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		var ne net.Error
		if errors.As(err, &ne) {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(metrics.ErrAccept)
		s.setError(wrap)
		return wrap
	}

	s.totalAccepted.Add(1)
	metrics.IncConnection()
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	if s.maxClients > 0 && s.activeConns() >= s.maxClients {
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}

	f := framing.New(conn,
		framing.WithWriteTimeout(s.writeTimeout),
		framing.WithReadIdleTimeout(s.readIdleTimeout),
	)
	s.addConn(f)
	s.totalConnected.Add(1)
	metrics.SetConnectionsActive(s.activeConns())
	connLogger.Info("peer_connected")

	guard := ratelimit.New(s.rateLimitHz, s.rateLimitBurst)
	peerID := ticketing.PeerID(connID)
	sess := session.New(peerID, f, s.engine, guard)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.removeConn(f)
			metrics.SetConnectionsActive(s.activeConns())
		}()
		sess.Run()
	}()
	return nil
}

func (s *Server) addConn(f *framing.Framer) {
	s.connsMu.Lock()
	s.conns[f] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) removeConn(f *framing.Framer) {
	s.connsMu.Lock()
	delete(s.conns, f)
	s.connsMu.Unlock()
}

func (s *Server) activeConns() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Shutdown closes the listener and every live connection, then waits for
// their session goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.connsMu.Lock()
	for f := range s.conns {
		f.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"rejected", s.totalRejected.Load(),
		)
		return nil
	}
}
