package eacopy

import (
	"context"
	"os"

	"github.com/loonghao/eacopy/internal/client"
	"github.com/loonghao/eacopy/internal/engine"
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/progress"
)

// Pair is one source/destination unit in a batch operation.
type Pair = engine.Pair

// Client runs copy operations with one Config. It is stateless between
// calls and safe for concurrent use.
type Client struct {
	cfg Config
}

// New validates cfg and returns a Client. Zero Config fields take the
// DefaultConfig values.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

// engineOptions maps the Config onto one engine run. preserve and delta
// vary per operation; everything else comes from the Config.
func (c *Client) engineOptions(preserve, delta bool) engine.Options {
	opts := engine.Options{
		Workers:                c.cfg.ThreadCount,
		BufferSize:             c.cfg.BufferSize,
		Preserve:               preserve,
		FollowSymlinks:         c.cfg.FollowSymlinks,
		IgnoreDanglingSymlinks: c.cfg.IgnoreDanglingSymlinks,
		DirsExistOK:            c.cfg.DirsExistOK,
		Delta:                  delta,
		Incremental:            c.cfg.Incremental,
		Retry:                  c.cfg.retry(),
		BandwidthLimit:         c.cfg.BandwidthLimit,
		Logger:                 c.cfg.Logger,
	}
	if c.cfg.Progress != nil {
		opts.Sink = progress.Func(c.cfg.Progress)
	}
	return opts
}

func (c *Client) newEngine(preserve, delta bool) *engine.Engine {
	return engine.New(c.engineOptions(preserve, delta))
}

// CopyFile copies src's content to the exact path dst. dst must not be
// a directory; metadata is not preserved.
func (c *Client) CopyFile(ctx context.Context, src, dst string) (Stats, error) {
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return Stats{}, errkind.Errorf(errkind.InvalidArgument, dst, "destination is a directory")
	}
	return c.newEngine(false, false).CopyFile(ctx, src, dst)
}

// Copy copies src to dst. When dst is an existing directory the file
// lands inside it under src's basename. Metadata is not preserved.
func (c *Client) Copy(ctx context.Context, src, dst string) (Stats, error) {
	return c.newEngine(false, false).CopyFile(ctx, src, dst)
}

// CopyWithMetadata is Copy plus mode, timestamp and ownership
// preservation.
func (c *Client) CopyWithMetadata(ctx context.Context, src, dst string) (Stats, error) {
	return c.newEngine(true, false).CopyFile(ctx, src, dst)
}

// CopyTree recursively copies the directory src to dst. Symlink and
// existing-directory handling follow the Config flags; metadata is
// preserved when PreserveMetadata is set.
func (c *Client) CopyTree(ctx context.Context, src, dst string) (Stats, error) {
	return c.newEngine(c.cfg.PreserveMetadata, false).CopyTree(ctx, src, dst)
}

// BatchCopy copies the given file pairs concurrently without preserving
// metadata.
func (c *Client) BatchCopy(ctx context.Context, pairs []Pair) (Stats, error) {
	return c.newEngine(false, false).CopyBatch(ctx, pairs)
}

// BatchCopyWithMetadata is BatchCopy plus metadata preservation.
func (c *Client) BatchCopyWithMetadata(ctx context.Context, pairs []Pair) (Stats, error) {
	return c.newEngine(true, false).CopyBatch(ctx, pairs)
}

// BatchCopyTree copies the given directory pairs in order, aggregating
// their statistics. Under Raise the first failing tree stops the batch;
// under Ignore and Retry each tree runs its own policy and the batch
// continues.
func (c *Client) BatchCopyTree(ctx context.Context, pairs []Pair) (Stats, error) {
	eng := c.newEngine(c.cfg.PreserveMetadata, false)

	var total Stats
	var firstErr error
	for _, p := range pairs {
		st, err := eng.CopyTree(ctx, p.Src, p.Dst)
		total = addStats(total, st)
		if err != nil && firstErr == nil {
			firstErr = err
			if c.cfg.ErrorStrategy != Ignore {
				break
			}
		}
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = errkind.ClassifyIO(p.Src, err)
			}
			break
		}
	}
	if c.cfg.ErrorStrategy == Ignore {
		firstErr = nil
	}
	return total, firstErr
}

// DeltaCopy updates dst from src by rewriting only the regions that
// differ from reference. An empty reference encodes against the file
// already at dst; a missing or empty reference falls back to a full
// copy.
func (c *Client) DeltaCopy(ctx context.Context, src, dst, reference string) (Stats, error) {
	return c.newEngine(c.cfg.PreserveMetadata, true).DeltaCopy(ctx, src, dst, reference)
}

// CopyWithServer pushes src to the server at addr, writing it under dst
// relative to the server's root. A file src runs one session; a
// directory src mirrors the whole tree. Delta transfer is used for
// files the server already holds a copy of.
func (c *Client) CopyWithServer(ctx context.Context, src, dst, addr string) (Stats, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Stats{}, errkind.ClassifyIO(src, err)
	}

	conn, err := client.Dial(ctx, client.Options{
		Addr:        addr,
		Compression: c.cfg.Compression,
		Logger:      c.cfg.Logger,
	})
	if err != nil {
		return Stats{}, err
	}
	defer conn.Close()

	opts := c.engineOptions(c.cfg.PreserveMetadata, true)
	opts.Transferer = conn
	eng := engine.New(opts)

	if info.IsDir() {
		return eng.CopyTree(ctx, src, dst)
	}
	return eng.CopyFile(ctx, src, dst)
}

func addStats(a, b Stats) Stats {
	a.FilesScanned += b.FilesScanned
	a.FilesCopied += b.FilesCopied
	a.FilesSkipped += b.FilesSkipped
	a.FilesFailed += b.FilesFailed
	a.BytesCopied += b.BytesCopied
	a.BytesTotal += b.BytesTotal
	a.DirsCreated += b.DirsCreated
	a.DeltaCopies += b.DeltaCopies
	a.Elapsed = max(a.Elapsed, b.Elapsed)
	return a
}
