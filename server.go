package eacopy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/loonghao/eacopy/internal/server"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the listen address; empty means ":31337".
	Addr string
	// Root is the directory incoming paths resolve under; empty means
	// the current directory.
	Root string
	// MaxSessions caps concurrent transfer sessions per connection.
	MaxSessions int
	// IOTimeout bounds each socket read and write.
	IOTimeout time.Duration
	Logger    *slog.Logger
}

// Server accepts transfer sessions from remote clients. Close always
// stops it, so a deferred Close guarantees shutdown on every exit path.
type Server struct {
	srv *server.Server
}

// NewServer creates a stopped Server; call Start to begin accepting.
func NewServer(cfg ServerConfig) *Server {
	return &Server{srv: server.New(server.Options{
		Addr:        cfg.Addr,
		Root:        cfg.Root,
		MaxSessions: cfg.MaxSessions,
		IOTimeout:   cfg.IOTimeout,
		Logger:      cfg.Logger,
	})}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error { return s.srv.Start() }

// Stop gracefully shuts down: the listener closes, in-flight sessions
// drain until ctx expires, then remaining connections are aborted.
func (s *Server) Stop(ctx context.Context) error { return s.srv.Stop(ctx) }

// Close stops the server immediately, aborting in-flight sessions. It
// is safe to call on a never-started or already-stopped server.
func (s *Server) Close() error {
	if s.srv.IsRunning() {
		s.srv.StopNow()
	}
	return nil
}

// IsRunning reports whether the listener is accepting connections.
func (s *Server) IsRunning() bool { return s.srv.IsRunning() }

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Stats returns a snapshot of the live server counters.
func (s *Server) Stats() ServerStats { return s.srv.Stats() }
