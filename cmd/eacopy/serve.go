package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loonghao/eacopy"
	"github.com/loonghao/eacopy/internal/config"
)

const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an eacopy server",
	Long: `Run an eacopy server that accepts file pushes over the eacopy
binary protocol.

Clients connect, negotiate compression, and push files or whole trees.
Files land under the --root directory; paths that escape it are
rejected. When a pushed file already exists at its destination the
server offers a delta signature so the client only sends the changed
regions.

On SIGINT/SIGTERM the server stops accepting and drains in-flight
sessions before exiting.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":31337", "listen address (host:port)")
	serveCmd.Flags().String("root", ".", "root directory pushed files land under")
	serveCmd.Flags().Int("max-sessions", 0, "concurrent sessions per connection (0 = default)")
	serveCmd.Flags().Duration("stats-interval", 0, "log live stats at this interval (0 = off)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")                   //nolint:errcheck // flag name is hardcoded
	root, _ := cmd.Flags().GetString("root")                   //nolint:errcheck // flag name is hardcoded
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")       //nolint:errcheck // flag name is hardcoded
	statsEvery, _ := cmd.Flags().GetDuration("stats-interval") //nolint:errcheck // flag name is hardcoded

	// Apply config file defaults for flags not set on the CLI.
	fileCfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	if !cmd.Flags().Changed("addr") && fileCfg.Serve.Addr != nil {
		addr = *fileCfg.Serve.Addr
	}
	if !cmd.Flags().Changed("root") && fileCfg.Serve.Root != nil {
		root = *fileCfg.Serve.Root
	}
	if !cmd.Flags().Changed("max-sessions") && fileCfg.Serve.MaxSessions != nil {
		maxSessions = *fileCfg.Serve.MaxSessions
	}

	// Validate root exists.
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("root directory %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %q is not a directory", root)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	srv := eacopy.NewServer(eacopy.ServerConfig{
		Addr:        addr,
		Root:        root,
		MaxSessions: maxSessions,
		Logger:      logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if statsEvery > 0 {
		go logStats(ctx, srv, statsEvery)
	}

	<-ctx.Done()
	stop()
	slog.Info("shutting down, draining sessions")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return srv.Stop(drainCtx)
}

func logStats(ctx context.Context, srv *eacopy.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Stats()
			slog.Info("server stats",
				"connections", st.Connections,
				"active_connections", st.ActiveConnections,
				"active_sessions", st.ActiveSessions,
				"files_received", st.FilesReceived,
				"bytes_received", st.BytesReceived,
				"uptime", st.Uptime.Round(time.Second),
			)
		}
	}
}
