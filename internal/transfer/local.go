package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/loonghao/eacopy/internal/delta"
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/progress"
)

// Buffer tiers by source size. Small files get small buffers so a
// many-file tree does not thrash the allocator; large files stream
// through wide buffers.
const (
	smallFileLimit = 1 << 20         // 1 MiB
	largeFileLimit = 100 * (1 << 20) // 100 MiB

	smallBuffer = 64 * 1024
	midBuffer   = 1 << 20
	largeBuffer = 8 * (1 << 20)
)

// BufferFor returns the copy buffer size for a file of the given size.
func BufferFor(size int64) int {
	switch {
	case size < smallFileLimit:
		return smallBuffer
	case size < largeFileLimit:
		return midBuffer
	default:
		return largeBuffer
	}
}

// Options tune a single local transfer.
type Options struct {
	// BufferSize overrides the adaptive tier when positive.
	BufferSize int
	// Preserve applies source mode, timestamps and ownership to the
	// destination after the rename.
	Preserve bool
	// Limiter throttles reads when set; it is shared across sessions so
	// the cap is aggregate.
	Limiter *rate.Limiter
	// Sink receives progress notifications.
	Sink progress.Sink
	// Reference names the file delta transfers encode against; empty
	// means the destination itself. Network transfers ignore it, since
	// the server always signs its own copy of the destination.
	Reference string
}

func (o Options) bufferFor(size int64) int {
	if o.BufferSize > 0 {
		return o.BufferSize
	}
	return BufferFor(size)
}

// CopyLocal streams src into dst through a temp file in dst's directory,
// verifies the written bytes against the source hash, then renames into
// place. The returned session is terminal; on error its state is
// StateFailed.
func CopyLocal(ctx context.Context, src, dst string, opts Options) (*Session, error) {
	info, err := os.Stat(src)
	if err != nil {
		sess := NewSession(src, StrategyFull, 0, opts.Sink)
		return sess, sess.Fail(err)
	}
	if !info.Mode().IsRegular() {
		sess := NewSession(src, StrategyFull, 0, opts.Sink)
		return sess, sess.Fail(errkind.Errorf(errkind.InvalidArgument, src, "not a regular file"))
	}

	sess := NewSession(dst, StrategyFull, info.Size(), opts.Sink)
	if err := sess.Begin(); err != nil {
		return sess, err
	}

	in, err := os.Open(src)
	if err != nil {
		return sess, sess.Fail(err)
	}
	defer in.Close()

	tmp, err := CreateTemp(dst, info.Mode().Perm())
	if err != nil {
		return sess, sess.Fail(err)
	}
	defer discardTemp(tmp, sess)

	if err := sess.StartTransfer(); err != nil {
		return sess, err
	}

	srcHash := blake3.New()
	var reader io.Reader = in
	if opts.Limiter != nil {
		reader = Throttle(ctx, in, opts.Limiter)
	}

	buf := make([]byte, opts.bufferFor(info.Size()))
	out := io.MultiWriter(tmp, srcHash)
	for {
		if err := ctx.Err(); err != nil {
			return sess, sess.Fail(err)
		}
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return sess, sess.Fail(werr)
			}
			sess.Advance(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sess, sess.Fail(rerr)
		}
	}

	if err := finishTemp(sess, tmp, dst, info.Size(), srcHash.Sum(nil)); err != nil {
		return sess, err
	}
	if opts.Preserve {
		if err := ApplyMetadata(dst, info); err != nil {
			return sess, sess.Fail(err)
		}
	}
	return sess, sess.Complete()
}

// DeltaLocal rebuilds src at dst, encoding against opts.Reference (the
// existing dst file when unset) so only changed regions' literals plus
// copy instructions are written. Callers fall back to CopyLocal when
// it reports NoReferenceAvailable.
func DeltaLocal(ctx context.Context, src, dst string, opts Options) (*Session, error) {
	info, err := os.Stat(src)
	if err != nil {
		sess := NewSession(src, StrategyDelta, 0, opts.Sink)
		return sess, sess.Fail(err)
	}

	sess := NewSession(dst, StrategyDelta, info.Size(), opts.Sink)

	refPath := opts.Reference
	if refPath == "" {
		refPath = dst
	}
	refInfo, err := os.Stat(refPath)
	if err != nil || !refInfo.Mode().IsRegular() || refInfo.Size() == 0 || info.Size() == 0 {
		return sess, sess.Fail(errkind.New(errkind.NoReferenceAvailable, refPath))
	}

	if err := sess.Begin(); err != nil {
		return sess, err
	}

	ref, err := os.Open(refPath)
	if err != nil {
		return sess, sess.Fail(err)
	}
	defer ref.Close()

	sig, err := delta.ComputeSignature(ref, delta.ChooseBlockSize(refInfo.Size()))
	if err != nil {
		return sess, sess.Fail(err)
	}

	in, err := os.Open(src)
	if err != nil {
		return sess, sess.Fail(err)
	}
	defer in.Close()

	var reader io.Reader = in
	if opts.Limiter != nil {
		reader = Throttle(ctx, in, opts.Limiter)
	}
	srcHash := blake3.New()
	ops, err := delta.Encode(io.TeeReader(reader, srcHash), sig)
	if err != nil {
		return sess, sess.Fail(err)
	}

	tmp, err := CreateTemp(dst, info.Mode().Perm())
	if err != nil {
		return sess, sess.Fail(err)
	}
	defer discardTemp(tmp, sess)

	if err := sess.StartTransfer(); err != nil {
		return sess, err
	}

	for i := range ops {
		if err := ctx.Err(); err != nil {
			return sess, sess.Fail(err)
		}
		if err := delta.Apply(ref, ops[i:i+1], tmp); err != nil {
			return sess, sess.Fail(err)
		}
		sess.Advance(ops[i].Length)
	}

	if err := finishTemp(sess, tmp, dst, info.Size(), srcHash.Sum(nil)); err != nil {
		return sess, err
	}
	if opts.Preserve {
		if err := ApplyMetadata(dst, info); err != nil {
			return sess, sess.Fail(err)
		}
	}
	return sess, sess.Complete()
}

// finishTemp closes the temp file, verifies its size and hash against
// the expected source values, and renames it over dst.
func finishTemp(sess *Session, tmp *os.File, dst string, wantSize int64, wantHash []byte) error {
	if err := sess.StartVerify(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return sess.Fail(err)
	}
	if err := tmp.Close(); err != nil {
		return sess.Fail(err)
	}

	written, err := os.Stat(tmp.Name())
	if err != nil {
		return sess.Fail(err)
	}
	if written.Size() != wantSize {
		return sess.Fail(errkind.Errorf(errkind.IntegrityMismatch, dst,
			"size %d, want %d", written.Size(), wantSize))
	}
	gotHash, err := HashFile(tmp.Name())
	if err != nil {
		return sess.Fail(err)
	}
	if !bytes.Equal(gotHash, wantHash) {
		return sess.Fail(errkind.Errorf(errkind.IntegrityMismatch, dst,
			"hash %x, want %x", gotHash, wantHash))
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return sess.Fail(err)
	}
	return nil
}

// CreateTemp opens an exclusive temp file next to dst so the final
// rename stays on one filesystem.
func CreateTemp(dst string, perm os.FileMode) (*os.File, error) {
	name := fmt.Sprintf(".%s.%s.eacopy-tmp", filepath.Base(dst), uuid.New().String()[:8])
	tmpPath := filepath.Join(filepath.Dir(dst), name)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, errkind.ClassifyIO(tmpPath, err)
	}
	return f, nil
}

// discardTemp removes the temp file when the session did not complete.
func discardTemp(tmp *os.File, sess *Session) {
	if sess.State() == StateComplete {
		return
	}
	tmp.Close()
	os.Remove(tmp.Name())
}

// ApplyMetadata copies mode, timestamps and (best effort) ownership
// from the source's stat info onto path.
func ApplyMetadata(path string, info os.FileInfo) error {
	if err := os.Chmod(path, info.Mode().Perm()); err != nil {
		return errkind.ClassifyIO(path, err)
	}

	atime := info.ModTime()
	mtime := info.ModTime()
	var uid, gid = -1, -1
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		atime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
		uid, gid = int(stat.Uid), int(stat.Gid)
	}
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errkind.ClassifyIO(path, err)
	}

	if uid >= 0 {
		// May fail without privileges; ownership is best effort.
		_ = syscall.Lchown(path, uid, gid)
	}
	return nil
}

// HashFile returns the blake3 digest of the file at path.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.ClassifyIO(path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, errkind.ClassifyIO(path, err)
	}
	return h.Sum(nil), nil
}

// throttledReader debits the shared limiter on every read.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// Throttle wraps r so reads wait on the shared limiter. A nil limiter
// returns r unchanged.
func Throttle(ctx context.Context, r io.Reader, l *rate.Limiter) io.Reader {
	if l == nil {
		return r
	}
	return &throttledReader{r: r, limiter: l, ctx: ctx}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); burst > 0 && len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// NewBandwidthLimiter caps aggregate throughput at bytesPerSec with a
// burst of up to 1 MiB so normal read sizes pass without stalling.
func NewBandwidthLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
