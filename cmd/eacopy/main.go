package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loonghao/eacopy"
	"github.com/loonghao/eacopy/internal/config"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// strategyFlag is a pflag.Value binding --on-error to an ErrorStrategy.
type strategyFlag struct {
	s *eacopy.ErrorStrategy
}

var _ pflag.Value = (*strategyFlag)(nil)

func (f *strategyFlag) String() string { return f.s.String() }
func (f *strategyFlag) Type() string   { return "strategy" }

func (f *strategyFlag) Set(val string) error {
	s, err := parseErrorStrategy(val)
	if err != nil {
		return err
	}
	*f.s = s
	return nil
}

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		archive        bool
		workers        int
		compression    int
		serverAddr     string
		deltaFlag      bool
		reference      string
		incremental    bool
		dirsExistOK    bool
		follow         bool
		ignoreDangling bool
		strategy       eacopy.ErrorStrategy
		retryCount     int
		retryDelay     time.Duration
		bwLimitStr     string
		verbose        bool
		quiet          bool
		showVersion    bool
	)

	rootCmd := &cobra.Command{
		Use:   "eacopy [flags] <source> <destination>",
		Short: "Accelerated file copy with delta transfer and a push server",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "eacopy %s\n", version)
				return nil
			}

			src, dst := args[0], args[1]

			// Load optional config file.
			fileCfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, fileCfg.Defaults,
				&workers, &compression, &archive, &deltaFlag, &incremental,
				&bwLimitStr, &serverAddr)

			// Configure logging.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)

			if workers <= 0 {
				workers = min(runtime.NumCPU()*2, 32)
			}

			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = parseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
			}

			cfg := eacopy.Config{
				ThreadCount:            workers,
				Compression:            compression,
				ErrorStrategy:          strategy,
				RetryCount:             retryCount,
				RetryDelay:             retryDelay,
				PreserveMetadata:       archive,
				FollowSymlinks:         follow,
				IgnoreDanglingSymlinks: ignoreDangling,
				DirsExistOK:            dirsExistOK,
				Incremental:            incremental,
				BandwidthLimit:         bwLimit,
				Logger:                 logger,
			}
			client, err := eacopy.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Debug("starting copy",
				"src", src,
				"dst", dst,
				"workers", workers,
				"archive", archive,
				"delta", deltaFlag,
				"server", serverAddr,
			)

			st, err := runCopy(ctx, client, src, dst, serverAddr, reference, deltaFlag, archive)
			if err != nil {
				slog.Error("copy failed", "error", err)
				if st.FilesCopied > 0 {
					return &exitError{code: 1} // partial failure
				}
				return &exitError{code: 2} // total failure
			}

			if !quiet {
				fmt.Fprintf(os.Stderr, "%s in %s\n", st, st.Elapsed.Round(time.Millisecond))
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().
		BoolVarP(&archive, "archive", "a", false, "preserve mode, timestamps and ownership")
	rootCmd.Flags().
		IntVarP(&workers, "workers", "n", 0, "number of copy workers (default: min(NumCPU*2, 32))")
	rootCmd.Flags().
		IntVarP(&compression, "compression", "c", 0, "zstd level 0-9 for server transfers (0 = off)")
	rootCmd.Flags().
		StringVar(&serverAddr, "server", "", "push to the eacopy server at HOST:PORT instead of copying locally")
	rootCmd.Flags().BoolVar(&deltaFlag, "delta", false, "rewrite only changed regions of existing destination files")
	rootCmd.Flags().
		StringVar(&reference, "reference", "", "encode --delta transfers against FILE instead of the destination")
	rootCmd.Flags().
		BoolVar(&incremental, "incremental", false, "skip files whose destination matches on size and mtime")
	rootCmd.Flags().
		BoolVar(&dirsExistOK, "dirs-exist-ok", false, "allow copying into an existing destination directory")
	rootCmd.Flags().BoolVarP(&follow, "follow-symlinks", "L", false, "copy symlink targets instead of links")
	rootCmd.Flags().
		BoolVar(&ignoreDangling, "ignore-dangling-symlinks", false, "skip broken symlinks when following")
	rootCmd.Flags().
		Var(&strategyFlag{s: &strategy}, "on-error", "failure handling: raise, retry or ignore")
	rootCmd.Flags().IntVar(&retryCount, "retry-count", 3, "re-attempts per file under --on-error=retry")
	rootCmd.Flags().
		DurationVar(&retryDelay, "retry-delay", time.Second, "pause before the first re-attempt")
	rootCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// runCopy dispatches to the right client operation for the source type
// and flags.
func runCopy(
	ctx context.Context,
	client *eacopy.Client,
	src, dst, serverAddr, reference string,
	delta, archive bool,
) (eacopy.Stats, error) {
	if serverAddr != "" {
		return client.CopyWithServer(ctx, src, dst, serverAddr)
	}

	info, err := os.Stat(src)
	if err == nil && info.IsDir() {
		return client.CopyTree(ctx, src, dst)
	}
	if delta {
		return client.DeltaCopy(ctx, src, dst, reference)
	}
	if archive {
		return client.CopyWithMetadata(ctx, src, dst)
	}
	return client.Copy(ctx, src, dst)
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	workers, compression *int,
	archive, delta, incremental *bool,
	bwLimit, server *string,
) {
	if !cmd.Flags().Changed("workers") && defaults.Workers != nil {
		*workers = *defaults.Workers
	}
	if !cmd.Flags().Changed("compression") && defaults.Compression != nil {
		*compression = *defaults.Compression
	}
	if !cmd.Flags().Changed("archive") && defaults.Archive != nil {
		*archive = *defaults.Archive
	}
	if !cmd.Flags().Changed("delta") && defaults.Delta != nil {
		*delta = *defaults.Delta
	}
	if !cmd.Flags().Changed("incremental") && defaults.Incremental != nil {
		*incremental = *defaults.Incremental
	}
	if !cmd.Flags().Changed("bwlimit") && defaults.BWLimit != nil {
		*bwLimit = *defaults.BWLimit
	}
	if !cmd.Flags().Changed("server") && defaults.Server != nil {
		*server = *defaults.Server
	}
}

func parseErrorStrategy(s string) (eacopy.ErrorStrategy, error) {
	switch strings.ToLower(s) {
	case "raise":
		return eacopy.Raise, nil
	case "retry":
		return eacopy.Retry, nil
	case "ignore":
		return eacopy.Ignore, nil
	}
	return 0, fmt.Errorf("unknown --on-error value %q (use raise, retry or ignore)", s)
}

// parseSize parses human-readable sizes like "100M" or "1.5G".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	numStr := s
	switch s[len(s)-1:] {
	case "K":
		multiplier = 1 << 10
		numStr = s[:len(s)-1]
	case "M":
		multiplier = 1 << 20
		numStr = s[:len(s)-1]
	case "G":
		multiplier = 1 << 30
		numStr = s[:len(s)-1]
	case "T":
		multiplier = 1 << 40
		numStr = s[:len(s)-1]
	}
	if numStr == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(f * float64(multiplier)), nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
