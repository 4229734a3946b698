package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/stats"
)

// CopyTree copies the directory rooted at src to dst. Enumeration is
// depth-first on the calling goroutine; transfers run on the pool and
// only a full queue blocks the walk.
func (e *Engine) CopyTree(ctx context.Context, src, dst string) (stats.Snapshot, error) {
	info, err := os.Stat(src)
	if err != nil {
		return stats.NewCollector().Snapshot(), errkind.ClassifyIO(src, err)
	}
	if !info.IsDir() {
		return stats.NewCollector().Snapshot(), errkind.Errorf(errkind.InvalidArgument, src, "not a directory")
	}

	collector := stats.NewCollector()
	run := e.newBatch(ctx, collector)
	e.walkDir(run, src, dst)
	return run.finish()
}

// walkDir recurses into srcDir, mirroring it at dstDir. Failures are
// recorded on the run; the walk itself only stops on abort.
func (e *Engine) walkDir(run *batchRun, srcDir, dstDir string) {
	if e.localMode() {
		if err := e.ensureDir(run.collector, dstDir); err != nil {
			run.recordFailure(dstDir, err)
			return
		}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		run.recordFailure(srcDir, errkind.ClassifyIO(srcDir, err))
		return
	}

	for _, entry := range entries {
		if run.aborted() || run.ctx.Err() != nil {
			return
		}

		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			e.walkSymlink(run, src, dst)
		case entry.IsDir():
			e.walkDir(run, src, dst)
		case entry.Type().IsRegular():
			if err := run.submitFile(src, dst); err != nil {
				return
			}
		default:
			// Sockets, fifos and devices are not copied.
			e.log.Debug("skipping special file", "path", src)
			run.collector.AddFilesSkipped(1)
		}
	}
}

// walkSymlink either recreates the link or, when following, copies what
// it points at. A dangling link is skipped or reported per options.
func (e *Engine) walkSymlink(run *batchRun, src, dst string) {
	if !e.opts.FollowSymlinks {
		if !e.localMode() {
			// The wire protocol carries file contents only.
			e.log.Debug("skipping symlink for remote destination", "path", src)
			run.collector.AddFilesSkipped(1)
			return
		}
		target, err := os.Readlink(src)
		if err != nil {
			run.collector.AddFilesFailed(1)
			run.recordFailure(src, errkind.ClassifyIO(src, err))
			return
		}
		_ = os.Remove(dst)
		if err := os.Symlink(target, dst); err != nil {
			run.collector.AddFilesFailed(1)
			run.recordFailure(dst, errkind.ClassifyIO(dst, err))
			return
		}
		run.collector.AddFilesCopied(1)
		return
	}

	info, err := os.Stat(src)
	if err != nil {
		if e.opts.IgnoreDanglingSymlinks && os.IsNotExist(err) {
			e.log.Debug("skipping dangling symlink", "path", src)
			run.collector.AddFilesSkipped(1)
			return
		}
		run.collector.AddFilesFailed(1)
		run.recordFailure(src, errkind.ClassifyIO(src, err))
		return
	}

	if info.IsDir() {
		e.walkDir(run, src, dst)
		return
	}
	_ = run.submitFile(src, dst)
}

// ensureDir creates dstDir, honoring DirsExistOK for directories that
// are already present.
func (e *Engine) ensureDir(collector *stats.Collector, dstDir string) error {
	info, err := os.Lstat(dstDir)
	switch {
	case err == nil && info.IsDir():
		if !e.opts.DirsExistOK {
			return errkind.New(errkind.DestinationExists, dstDir)
		}
		return nil
	case err == nil:
		return errkind.Errorf(errkind.DestinationExists, dstDir, "exists and is not a directory")
	case !os.IsNotExist(err):
		return errkind.ClassifyIO(dstDir, err)
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errkind.ClassifyIO(dstDir, err)
	}
	collector.AddDirsCreated(1)
	return nil
}
