// Package server accepts transfer connections and materializes pushed
// files under a root directory. Each connection multiplexes sessions; a
// per-connection bound caps concurrent sessions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loonghao/eacopy/internal/stats"
	"github.com/loonghao/eacopy/internal/wire"
)

// DefaultPort is the well-known listen port.
const DefaultPort = 31337

const defaultMaxSessions = 16

// Options configure a Server.
type Options struct {
	// Addr is the listen address; empty means ":31337".
	Addr string
	// Root is the directory remote paths resolve under.
	Root string
	// MaxSessions caps concurrent transfer sessions per connection.
	MaxSessions int
	// IOTimeout bounds each socket read and write.
	IOTimeout time.Duration
	Logger    *slog.Logger
}

// Server owns the listener and all live connections.
type Server struct {
	opts  Options
	log   *slog.Logger
	stats *stats.ServerCollector

	ln      net.Listener
	mu      sync.Mutex
	conns   map[*wire.Mux]struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a Server; call Start to begin accepting.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:  opts,
		log:   opts.Logger,
		stats: stats.NewServerCollector(),
		conns: make(map[*wire.Mux]struct{}),
	}
}

// Start binds the listener and launches the accept loop. It returns
// once the port is bound.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.log.Info("server listening", "addr", ln.Addr().String(), "root", s.opts.Root)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Stats returns a point-in-time read of the live counters.
func (s *Server) Stats() stats.ServerSnapshot { return s.stats.Snapshot() }

// Stop shuts down gracefully: the listener closes, in-flight sessions
// drain, then remaining connections are released. When ctx expires
// first the remaining connections are aborted.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	_ = s.ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("server stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("drain deadline reached, aborting connections")
		s.closeConns()
		<-done
		return ctx.Err()
	}
}

// StopNow aborts everything immediately; in-flight sessions fail.
func (s *Server) StopNow() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	_ = s.ln.Close()
	s.closeConns()
	s.wg.Wait()
	s.log.Info("server stopped")
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for m := range s.conns {
		_ = m.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	s.stats.ConnOpened()
	defer s.stats.ConnClosed()
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", "remote", remote)

	mux := wire.NewMux(conn, s.opts.IOTimeout)
	s.mu.Lock()
	s.conns[mux] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, mux)
		s.mu.Unlock()
	}()

	cs := newConnState(s, mux)
	mux.SetHandler(cs.handleSession)

	if err := mux.Run(); err != nil {
		s.log.Warn("connection failed", "remote", remote, "error", err)
	}
	if codec := cs.getCodec(); codec != nil {
		codec.Close()
	}
	s.log.Debug("connection closed", "remote", remote)
}
