// Package engine orchestrates copy operations: it enumerates sources,
// picks a per-file strategy, and drives transfers through the worker
// pool while aggregating statistics.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/pool"
	"github.com/loonghao/eacopy/internal/progress"
	"github.com/loonghao/eacopy/internal/stats"
	"github.com/loonghao/eacopy/internal/transfer"
)

// Transferer executes one file transfer with the given strategy. The
// local implementation writes through temp files; the network client
// implements the same contract over a server connection.
type Transferer interface {
	Transfer(ctx context.Context, src, dst string, strategy transfer.Strategy, opts transfer.Options) (*transfer.Session, error)
}

// Pair is one source/destination unit in a batch.
type Pair struct {
	Src string
	Dst string
}

// Options configure an Engine.
type Options struct {
	// Workers is the transfer concurrency; queue depth defaults to
	// four slots per worker.
	Workers    int
	QueueDepth int

	// BufferSize overrides the adaptive per-file buffer tier.
	BufferSize int
	// Preserve copies mode, timestamps and ownership.
	Preserve bool
	// FollowSymlinks copies link targets instead of recreating links.
	FollowSymlinks bool
	// IgnoreDanglingSymlinks silently skips broken links when following.
	IgnoreDanglingSymlinks bool
	// DirsExistOK tolerates already-existing destination directories.
	DirsExistOK bool
	// Delta rewrites only changed regions of files that already exist
	// at the destination.
	Delta bool
	// Incremental skips files whose destination matches on size and
	// modification time.
	Incremental bool

	Retry pool.Retry
	// BandwidthLimit caps aggregate read throughput in bytes/sec.
	BandwidthLimit int64

	Sink   progress.Sink
	Logger *slog.Logger
	// Transferer overrides the local executor, e.g. for server-backed
	// copies. Nil means local filesystem transfers.
	Transferer Transferer
}

// Engine runs copy operations against one Options set. Safe for
// sequential reuse; each operation gets fresh statistics.
type Engine struct {
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter
	exec    Transferer
}

// New creates an Engine, applying option defaults.
func New(opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = opts.Workers * 4
	}
	if opts.Sink == nil {
		opts.Sink = progress.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{opts: opts, log: opts.Logger, exec: opts.Transferer}
	if opts.BandwidthLimit > 0 {
		e.limiter = transfer.NewBandwidthLimiter(opts.BandwidthLimit)
	}
	if e.exec == nil {
		e.exec = LocalTransferer{}
	}
	return e
}

// localMode reports whether transfers land on the local filesystem.
// Remote destinations leave directory handling to the server.
func (e *Engine) localMode() bool {
	_, ok := e.exec.(LocalTransferer)
	return ok
}

func (e *Engine) transferOptions() transfer.Options {
	return transfer.Options{
		BufferSize: e.opts.BufferSize,
		Preserve:   e.opts.Preserve,
		Limiter:    e.limiter,
		Sink:       e.opts.Sink,
	}
}

// CopyFile copies one file. When dst is an existing directory the file
// is copied into it under its source basename.
func (e *Engine) CopyFile(ctx context.Context, src, dst string) (stats.Snapshot, error) {
	collector := stats.NewCollector()

	if e.localMode() {
		dst = resolveInto(src, dst)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return collector.Snapshot(), errkind.ClassifyIO(dst, err)
		}
	}

	err := e.copyOne(ctx, src, dst, collector)
	return collector.Snapshot(), err
}

// DeltaCopy updates dst from src by rewriting only the regions that
// differ from reference. An empty reference encodes against the
// existing destination file; a missing or empty reference falls back
// to a full copy.
func (e *Engine) DeltaCopy(ctx context.Context, src, dst, reference string) (stats.Snapshot, error) {
	collector := stats.NewCollector()

	if e.localMode() {
		dst = resolveInto(src, dst)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return collector.Snapshot(), errkind.ClassifyIO(dst, err)
		}
	}

	collector.AddFilesScanned(1)
	if info, err := os.Stat(src); err == nil {
		collector.AddBytesTotal(info.Size())
	}

	opts := e.transferOptions()
	opts.Reference = reference

	sess, err := e.exec.Transfer(ctx, src, dst, transfer.StrategyDelta, opts)
	if errkind.Is(err, errkind.NoReferenceAvailable) {
		sess, err = e.exec.Transfer(ctx, src, dst, transfer.StrategyFull, e.transferOptions())
	} else if err == nil {
		collector.AddDeltaCopies(1)
	}
	if err != nil {
		collector.AddFilesFailed(1)
		return collector.Snapshot(), err
	}

	collector.AddFilesCopied(1)
	collector.AddBytesCopied(sess.Copied())
	return collector.Snapshot(), nil
}

// CopyBatch copies ordered (src, dst) pairs through the worker pool.
func (e *Engine) CopyBatch(ctx context.Context, pairs []Pair) (stats.Snapshot, error) {
	collector := stats.NewCollector()
	run := e.newBatch(ctx, collector)

	for _, p := range pairs {
		if run.aborted() {
			break
		}
		src, dst := p.Src, p.Dst
		if e.localMode() {
			dst = resolveInto(src, dst)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				run.recordFailure(dst, errkind.ClassifyIO(dst, err))
				continue
			}
		}
		if err := run.submitFile(src, dst); err != nil {
			break
		}
	}
	return run.finish()
}

// copyOne runs a single transfer synchronously, applying the retry
// policy the same way the pool does for batch work.
func (e *Engine) copyOne(ctx context.Context, src, dst string, collector *stats.Collector) error {
	collector.AddFilesScanned(1)
	if info, err := os.Stat(src); err == nil {
		collector.AddBytesTotal(info.Size())
	}

	var copied int64
	var result pool.Result
	p := pool.New(pool.Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      e.opts.Retry,
		Logger:     e.log,
		OnResult:   func(r pool.Result) { result = r },
	})
	p.Start(ctx)
	if err := p.Submit(ctx, pool.Item{
		Path: src,
		Run: func(ctx context.Context) error {
			sess, err := e.exec.Transfer(ctx, src, dst, transfer.StrategyFull, e.transferOptions())
			if err == nil {
				copied = sess.Copied()
			}
			return err
		},
	}); err != nil {
		return err
	}
	p.Close()
	p.Wait()

	switch {
	case result.Skipped:
		collector.AddFilesSkipped(1)
	case result.Err != nil:
		collector.AddFilesFailed(1)
		return result.Err
	default:
		collector.AddFilesCopied(1)
		collector.AddBytesCopied(copied)
	}
	return nil
}

// resolveInto maps a destination that is an existing directory to a
// path inside it.
func resolveInto(src, dst string) string {
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return filepath.Join(dst, filepath.Base(src))
	}
	return dst
}

// batchRun carries the shared state of one pooled operation.
type batchRun struct {
	e         *Engine
	ctx       context.Context
	pool      *pool.Pool
	collector *stats.Collector

	mu       sync.Mutex
	firstErr error
	stop     bool
}

func (e *Engine) newBatch(ctx context.Context, collector *stats.Collector) *batchRun {
	run := &batchRun{e: e, ctx: ctx, collector: collector}
	run.pool = pool.New(pool.Config{
		Workers:    e.opts.Workers,
		QueueDepth: e.opts.QueueDepth,
		Retry:      e.opts.Retry,
		Logger:     e.log,
		OnResult:   run.onResult,
	})
	run.pool.Start(ctx)
	return run
}

func (r *batchRun) onResult(res pool.Result) {
	switch {
	case res.Skipped:
		r.collector.AddFilesSkipped(1)
	case res.Err != nil:
		r.collector.AddFilesFailed(1)
		r.recordFailure(res.Path, res.Err)
	default:
		r.collector.AddFilesCopied(1)
	}
}

// recordFailure keeps the first error and, under PolicyRaise, stops
// further submissions. In-flight items still settle.
func (r *batchRun) recordFailure(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	if r.e.opts.Retry.Policy != pool.PolicyIgnore {
		r.stop = true
	}
	r.e.log.Error("transfer failed", "path", path, "error", err)
}

func (r *batchRun) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop
}

// submitFile queues one regular-file transfer. The returned error is
// only non-nil when the context is cancelled.
func (r *batchRun) submitFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		r.collector.AddFilesScanned(1)
		r.collector.AddFilesFailed(1)
		r.recordFailure(src, errkind.ClassifyIO(src, err))
		return nil
	}

	r.collector.AddFilesScanned(1)
	r.collector.AddBytesTotal(info.Size())

	strategy := r.e.chooseStrategy(info, dst)
	if strategy == transfer.StrategySkip {
		r.collector.AddFilesSkipped(1)
		return nil
	}

	return r.pool.Submit(r.ctx, pool.Item{
		Path: src,
		Run: func(ctx context.Context) error {
			sess, err := r.e.exec.Transfer(ctx, src, dst, strategy, r.e.transferOptions())
			if errkind.Is(err, errkind.NoReferenceAvailable) {
				sess, err = r.e.exec.Transfer(ctx, src, dst, transfer.StrategyFull, r.e.transferOptions())
			} else if err == nil && strategy == transfer.StrategyDelta {
				r.collector.AddDeltaCopies(1)
			}
			if err != nil {
				return err
			}
			r.collector.AddBytesCopied(sess.Copied())
			return nil
		},
	})
}

// finish closes the pool, waits for in-flight items, and reports.
func (r *batchRun) finish() (stats.Snapshot, error) {
	r.pool.Close()
	r.pool.Wait()

	r.mu.Lock()
	err := r.firstErr
	r.mu.Unlock()
	if r.e.opts.Retry.Policy == pool.PolicyIgnore {
		err = nil
	}
	return r.collector.Snapshot(), err
}

// chooseStrategy decides how a file reaches its destination. Delta is
// eligible only when enabled and a non-empty destination file already
// exists; Incremental skips files unchanged by size and mtime. For a
// remote destination the server answers reference availability during
// negotiation, so delta is requested for any non-empty source.
func (e *Engine) chooseStrategy(srcInfo os.FileInfo, dst string) transfer.Strategy {
	if !e.localMode() {
		if e.opts.Delta && srcInfo.Size() > 0 {
			return transfer.StrategyDelta
		}
		return transfer.StrategyFull
	}

	dstInfo, err := os.Stat(dst)
	if err != nil || !dstInfo.Mode().IsRegular() {
		return transfer.StrategyFull
	}
	if e.opts.Incremental &&
		dstInfo.Size() == srcInfo.Size() &&
		dstInfo.ModTime().Equal(srcInfo.ModTime()) {
		return transfer.StrategySkip
	}
	if e.opts.Delta && srcInfo.Size() > 0 && dstInfo.Size() > 0 {
		return transfer.StrategyDelta
	}
	return transfer.StrategyFull
}

// LocalTransferer executes transfers against the local filesystem.
type LocalTransferer struct{}

func (LocalTransferer) Transfer(ctx context.Context, src, dst string, strategy transfer.Strategy, opts transfer.Options) (*transfer.Session, error) {
	if strategy == transfer.StrategyDelta {
		return transfer.DeltaLocal(ctx, src, dst, opts)
	}
	return transfer.CopyLocal(ctx, src, dst, opts)
}
