package transfer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/progress"
)

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

func TestBufferFor(t *testing.T) {
	assert.Equal(t, smallBuffer, BufferFor(512))
	assert.Equal(t, midBuffer, BufferFor(10<<20))
	assert.Equal(t, largeBuffer, BufferFor(500<<20))
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("a.txt", StrategyFull, 100, nil)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Begin())
	require.NoError(t, s.StartTransfer())
	s.Advance(100)
	require.NoError(t, s.StartVerify())
	require.NoError(t, s.Complete())

	assert.Equal(t, StateComplete, s.State())
	assert.Equal(t, int64(100), s.Copied())
	assert.True(t, s.State().Terminal())
}

func TestSessionInvalidTransition(t *testing.T) {
	s := NewSession("a.txt", StrategyFull, 0, nil)
	err := s.StartVerify() // skipping ahead from Idle
	assert.True(t, errkind.Is(err, errkind.ProtocolViolation))
}

func TestSessionTerminalIsSticky(t *testing.T) {
	s := NewSession("a.txt", StrategyFull, 0, nil)
	first := s.Fail(os.ErrPermission)
	again := s.Fail(os.ErrNotExist)

	assert.Equal(t, StateFailed, s.State())
	assert.Same(t, first, again)
	assert.Error(t, s.Begin())
}

func TestCopyLocal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	data := writeFile(t, src, 3*1024*1024+17)

	var calls []int64
	sink := progress.Func(func(copied, total int64, file string) {
		assert.Equal(t, dst, file)
		assert.Equal(t, int64(len(data)), total)
		calls = append(calls, copied)
	})

	sess, err := CopyLocal(context.Background(), src, dst, Options{Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sess.State())
	assert.Equal(t, int64(len(data)), sess.Copied())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// First call announces zero bytes, last reports completion.
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, int64(0), calls[0])
	assert.Equal(t, int64(len(data)), calls[len(calls)-1])

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCopyLocalPreserveMetadata(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	writeFile(t, src, 1024)

	mtime := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chmod(src, 0o640))
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	_, err := CopyLocal(context.Background(), src, dst, Options{Preserve: true})
	require.NoError(t, err)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestCopyLocalMissingSource(t *testing.T) {
	dir := t.TempDir()
	sess, err := CopyLocal(context.Background(), filepath.Join(dir, "absent"), filepath.Join(dir, "out"), Options{})
	assert.True(t, errkind.Is(err, errkind.NotFound))
	assert.Equal(t, StateFailed, sess.State())
}

func TestCopyLocalDirectorySource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyLocal(context.Background(), dir, filepath.Join(dir, "out"), Options{})
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestCopyLocalCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	writeFile(t, src, 4*1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := CopyLocal(ctx, src, dst, Options{})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, sess.State())

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeltaLocal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	ref := writeFile(t, dst, 2*1024*1024)
	modified := append([]byte(nil), ref...)
	copy(modified[512*1024:], []byte("a small edit in the middle"))
	require.NoError(t, os.WriteFile(src, modified, 0o644))

	sess, err := DeltaLocal(context.Background(), src, dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sess.State())
	assert.Equal(t, StrategyDelta, sess.Strategy)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, modified, got)
}

// Encoding against a separate reference file writes the source's
// content to dst and leaves the reference untouched.
func TestDeltaLocalExplicitReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	ref := filepath.Join(dir, "ref.bin")
	dst := filepath.Join(dir, "dst.bin")

	base := writeFile(t, ref, 1024*1024)
	modified := append([]byte(nil), base...)
	copy(modified[256*1024:], []byte("patched region"))
	require.NoError(t, os.WriteFile(src, modified, 0o644))

	sess, err := DeltaLocal(context.Background(), src, dst, Options{Reference: ref})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sess.State())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, modified, got)

	refAfter, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, base, refAfter)
}

func TestDeltaLocalMissingExplicitReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	writeFile(t, src, 1024)
	writeFile(t, dst, 1024)

	// An explicit reference that does not exist reports no reference
	// even though the destination file would have qualified.
	_, err := DeltaLocal(context.Background(), src, dst, Options{Reference: filepath.Join(dir, "gone")})
	assert.True(t, errkind.Is(err, errkind.NoReferenceAvailable))
}

func TestDeltaLocalNoReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	writeFile(t, src, 1024)

	_, err := DeltaLocal(context.Background(), src, filepath.Join(dir, "absent"), Options{})
	assert.True(t, errkind.Is(err, errkind.NoReferenceAvailable))
}

func TestDeltaLocalEmptyReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	writeFile(t, src, 1024)
	require.NoError(t, os.WriteFile(dst, nil, 0o644))

	_, err := DeltaLocal(context.Background(), src, dst, Options{})
	assert.True(t, errkind.Is(err, errkind.NoReferenceAvailable))
}

func TestThrottledCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	data := writeFile(t, src, 256*1024)

	// Generous limit: throttling must not corrupt or truncate.
	limiter := NewBandwidthLimiter(64 << 20)
	_, err := CopyLocal(context.Background(), src, dst, Options{Limiter: limiter})
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHashFileMatchesContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	data := writeFile(t, a, 8192)
	require.NoError(t, os.WriteFile(b, data, 0o644))

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 32)
}
