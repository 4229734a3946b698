// Package eacopy is an accelerated file-transfer engine: parallel local
// copies, rsync-style delta transfer against a reference copy, and a
// client/server protocol for pushing trees across a local network.
//
// Construct a Client from a Config and call its copy operations, or run
// a Server to accept pushes from remote clients:
//
//	c, err := eacopy.New(eacopy.DefaultConfig())
//	if err != nil { ... }
//	st, err := c.CopyTree(ctx, "/data/src", "/data/dst")
package eacopy

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/pool"
	"github.com/loonghao/eacopy/internal/stats"
)

// ErrorStrategy controls what happens when a file transfer fails after
// any in-session handling: surface it, re-run it, or log and move on.
type ErrorStrategy int

const (
	// Raise surfaces the first terminal failure to the caller. Remaining
	// queued work is abandoned after in-flight transfers settle.
	Raise ErrorStrategy = iota
	// Retry re-runs a failed transfer up to RetryCount extra attempts
	// before surfacing.
	Retry
	// Ignore logs failures and continues; failed files count as skipped.
	Ignore
)

func (s ErrorStrategy) String() string {
	switch s {
	case Raise:
		return "raise"
	case Retry:
		return "retry"
	case Ignore:
		return "ignore"
	}
	return "unknown"
}

// ProgressFunc receives transfer progress. It is invoked at the start of
// each file (copied == 0), after each chunk, and at completion
// (copied == total). It must return quickly; slow callbacks stall the
// worker that invoked them.
type ProgressFunc func(copied, total int64, file string)

// Stats aggregates the counters of one copy operation.
type Stats = stats.Snapshot

// ServerStats is a point-in-time read of a running server's counters.
type ServerStats = stats.ServerSnapshot

// Kind classifies an error returned by any operation in this package.
type Kind = errkind.Kind

// Error kinds, for binding layers that translate them into host-language
// exception types.
const (
	KindNotFound             = errkind.NotFound
	KindPermissionDenied     = errkind.PermissionDenied
	KindIoError              = errkind.IoError
	KindTimeout              = errkind.Timeout
	KindIntegrityMismatch    = errkind.IntegrityMismatch
	KindCorruptDeltaStream   = errkind.CorruptDeltaStream
	KindNoReferenceAvailable = errkind.NoReferenceAvailable
	KindProtocolViolation    = errkind.ProtocolViolation
	KindCapacityExceeded     = errkind.CapacityExceeded
	KindInvalidArgument      = errkind.InvalidArgument
	KindDestinationExists    = errkind.DestinationExists
)

// KindOf extracts the Kind from err, or KindIoError for foreign errors.
func KindOf(err error) Kind { return errkind.KindOf(err) }

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return errkind.Is(err, kind) }

const (
	defaultBufferSize = 8 << 20
	defaultRetryCount = 3
	defaultRetryDelay = time.Second
	maxCompression    = 9
)

// Config holds every tunable of a Client. Zero values mean "use the
// default"; DefaultConfig spells the defaults out.
type Config struct {
	// ThreadCount is the number of concurrent transfer workers.
	ThreadCount int
	// Compression is the zstd level (0-9) requested for network
	// transfers; 0 disables compression. Local copies ignore it.
	Compression int
	// BufferSize caps the per-file I/O buffer. 0 picks an adaptive size
	// from the file's length.
	BufferSize int

	// ErrorStrategy decides what a failed transfer does to the batch.
	ErrorStrategy ErrorStrategy
	// RetryCount is the number of extra attempts under Retry.
	RetryCount int
	// RetryDelay is the pause before the first re-attempt.
	RetryDelay time.Duration
	// ExponentialBackoff doubles RetryDelay after each failed attempt.
	ExponentialBackoff bool

	// PreserveMetadata copies mode, timestamps and ownership on
	// tree and batch operations. Single-file metadata behavior is
	// chosen per call (Copy vs CopyWithMetadata).
	PreserveMetadata bool
	// FollowSymlinks copies link targets instead of recreating links.
	FollowSymlinks bool
	// IgnoreDanglingSymlinks silently skips broken links when following.
	IgnoreDanglingSymlinks bool
	// DirsExistOK tolerates destination directories that already exist.
	DirsExistOK bool
	// Incremental skips files whose destination already matches on size
	// and modification time.
	Incremental bool

	// BandwidthLimit caps aggregate read throughput in bytes/sec shared
	// by all workers. 0 means unlimited.
	BandwidthLimit int64

	// Progress, when set, receives per-file transfer progress.
	Progress ProgressFunc
	// Logger receives operational logging; nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the settings a Client uses when given a zero
// Config field.
func DefaultConfig() Config {
	return Config{
		ThreadCount: min(runtime.NumCPU(), 8),
		Compression: 3,
		BufferSize:  defaultBufferSize,
		RetryCount:  defaultRetryCount,
		RetryDelay:  defaultRetryDelay,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.ThreadCount < 0 {
		return errkind.Errorf(errkind.InvalidArgument, "", "thread count %d is negative", c.ThreadCount)
	}
	if c.Compression < 0 || c.Compression > maxCompression {
		return errkind.Errorf(errkind.InvalidArgument, "", "compression level %d outside 0-%d", c.Compression, maxCompression)
	}
	if c.BufferSize < 0 {
		return errkind.Errorf(errkind.InvalidArgument, "", "buffer size %d is negative", c.BufferSize)
	}
	if c.RetryCount < 0 {
		return errkind.Errorf(errkind.InvalidArgument, "", "retry count %d is negative", c.RetryCount)
	}
	if c.RetryDelay < 0 {
		return errkind.Errorf(errkind.InvalidArgument, "", "retry delay %s is negative", c.RetryDelay)
	}
	if c.BandwidthLimit < 0 {
		return errkind.Errorf(errkind.InvalidArgument, "", "bandwidth limit %d is negative", c.BandwidthLimit)
	}
	switch c.ErrorStrategy {
	case Raise, Retry, Ignore:
	default:
		return errkind.Errorf(errkind.InvalidArgument, "", "unknown error strategy %d", c.ErrorStrategy)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ThreadCount == 0 {
		c.ThreadCount = def.ThreadCount
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.RetryCount == 0 && c.ErrorStrategy == Retry {
		c.RetryCount = def.RetryCount
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) retry() pool.Retry {
	r := pool.Retry{Count: c.RetryCount, Delay: c.RetryDelay}
	switch c.ErrorStrategy {
	case Retry:
		r.Policy = pool.PolicyRetry
	case Ignore:
		r.Policy = pool.PolicyIgnore
	default:
		r.Policy = pool.PolicyRaise
	}
	if c.ExponentialBackoff {
		r.Backoff = pool.BackoffExponential
	}
	return r
}
