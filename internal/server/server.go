// Package server implements the TCP front end: the accept loop, per
// connection workers and the command dispatcher.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/davrd/stashfs/internal/logger"
	"github.com/davrd/stashfs/internal/protocol/wire"
	"github.com/davrd/stashfs/internal/ratelimiter"
	"github.com/davrd/stashfs/pkg/auth"
	"github.com/davrd/stashfs/pkg/quota"
	"github.com/davrd/stashfs/pkg/stats"
	"github.com/davrd/stashfs/pkg/storage"
	"github.com/davrd/stashfs/pkg/store"
)

// Options controls server behavior.
type Options struct {
	// Host and Port form the listen address. Port 0 picks a free port.
	Host string
	Port int

	// MaxConnections caps concurrent client connections; excess
	// connections are closed on accept. 0 means unlimited.
	MaxConnections int

	// ReadTimeout and WriteTimeout bound a single frame read or write.
	// IdleTimeout bounds the wait for the next request. Zero disables the
	// respective deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout is how long Shutdown waits for in-flight
	// connections to drain before force-closing them.
	ShutdownTimeout time.Duration

	// SessionActiveWindow is the recency window for the active-user count
	// reported by STATS.
	SessionActiveWindow time.Duration

	// AuthAttemptsPerMinute throttles REGISTER and LOGIN per client host.
	// 0 disables throttling.
	AuthAttemptsPerMinute uint

	// Limits bounds incoming frame sizes.
	Limits wire.Limits
}

// Deps are the service dependencies the server dispatches into.
type Deps struct {
	Store  store.Store
	Auth   *auth.Authenticator
	Engine *storage.Engine
	Quota  *quota.Manager
	Stats  *stats.Collector
}

// Server owns the listener and tracks every live connection.
type Server struct {
	opts Options
	deps Deps

	authLimiter *ratelimiter.AttemptLimiter

	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc

	wg      sync.WaitGroup
	connSem chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdownOnce sync.Once
}

// NewServer creates a server; call Start to begin accepting.
func NewServer(opts Options, deps Deps) *Server {
	var sem chan struct{}
	if opts.MaxConnections > 0 {
		sem = make(chan struct{}, opts.MaxConnections)
	}
	return &Server{
		opts:        opts,
		deps:        deps,
		authLimiter: ratelimiter.New(opts.AuthAttemptsPerMinute),
		connSem:     sem,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and launches the accept loop. It returns
// once the listener is bound; serving continues in the background until
// Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	logger.Info("server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.baseCtx.Done():
				return
			default:
			}
			logger.Warn("accept failed: %v", err)
			continue
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				logger.Warn("connection limit reached, rejecting %s", conn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown stops accepting, waits up to ShutdownTimeout for in-flight
// connections to finish and then force-closes whatever remains. Safe to
// call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		logger.Info("server shutting down")
		s.cancel()
		_ = s.listener.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		timeout := s.opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-done:
		case <-time.After(timeout):
			logger.Warn("shutdown timeout, force-closing connections")
			s.mu.Lock()
			for conn := range s.conns {
				_ = conn.Close()
			}
			s.mu.Unlock()
			<-done
		}
	})
	return nil
}
