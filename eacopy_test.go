package eacopy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, Config{}.Validate())

	cfg := DefaultConfig()
	cfg.Compression = 10
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	cfg = DefaultConfig()
	cfg.Compression = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RetryCount = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ErrorStrategy = ErrorStrategy(42)
	assert.Error(t, cfg.Validate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Compression: 99})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestDefaultsFilled(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultBufferSize, c.cfg.BufferSize)
	assert.Positive(t, c.cfg.ThreadCount)
	assert.Equal(t, time.Second, c.cfg.RetryDelay)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	write(t, src, "file content")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.CopyFile(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, "file content", read(t, dst))
	assert.Equal(t, int64(1), st.FilesCopied)
}

func TestCopyFileRejectsDirectoryDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	write(t, src, "x")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.CopyFile(context.Background(), src, t.TempDir())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestCopyIntoDirectory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.bin")
	dstDir := t.TempDir()
	write(t, src, "payload")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.Copy(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, "payload", read(t, filepath.Join(dstDir, "report.bin")))
}

func TestCopyWithMetadata(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	write(t, src, "timed content")

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chmod(src, 0o640))
	require.NoError(t, os.Chtimes(src, stamp, stamp))

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.CopyWithMetadata(context.Background(), src, dst)
	require.NoError(t, err)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(stamp))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	files := map[string]string{
		"a.txt":       "one",
		"b.txt":       "two",
		"sub/c.txt":   "three",
		"sub/d/e.txt": "four",
	}
	for name, content := range files {
		write(t, filepath.Join(src, name), content)
	}

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.CopyTree(context.Background(), src, dst)
	require.NoError(t, err)
	for name, content := range files {
		assert.Equal(t, content, read(t, filepath.Join(dst, name)))
	}
	assert.Equal(t, int64(4), st.FilesCopied)
}

func TestBatchCopy(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	var pairs []Pair
	for _, name := range []string{"x", "y", "z"} {
		src := filepath.Join(dir, name)
		write(t, src, "content of "+name)
		pairs = append(pairs, Pair{Src: src, Dst: filepath.Join(out, name)})
	}

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.BatchCopy(context.Background(), pairs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.FilesCopied)
	assert.Equal(t, "content of y", read(t, filepath.Join(out, "y")))
}

func TestBatchCopyIgnoreContinues(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	pairs := []Pair{
		{Src: filepath.Join(dir, "missing"), Dst: filepath.Join(out, "missing")},
	}
	for _, name := range []string{"a", "b"} {
		src := filepath.Join(dir, name)
		write(t, src, name)
		pairs = append(pairs, Pair{Src: src, Dst: filepath.Join(out, name)})
	}

	cfg := DefaultConfig()
	cfg.ErrorStrategy = Ignore
	c, err := New(cfg)
	require.NoError(t, err)

	st, err := c.BatchCopy(context.Background(), pairs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.FilesCopied)
	assert.Equal(t, int64(1), st.FilesFailed)
}

func TestBatchCopyTree(t *testing.T) {
	srcA, srcB := t.TempDir(), t.TempDir()
	write(t, filepath.Join(srcA, "a.txt"), "tree a")
	write(t, filepath.Join(srcB, "b.txt"), "tree b")
	out := t.TempDir()

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.BatchCopyTree(context.Background(), []Pair{
		{Src: srcA, Dst: filepath.Join(out, "a")},
		{Src: srcB, Dst: filepath.Join(out, "b")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.FilesCopied)
	assert.Equal(t, "tree a", read(t, filepath.Join(out, "a", "a.txt")))
	assert.Equal(t, "tree b", read(t, filepath.Join(out, "b", "b.txt")))
}

func TestBatchCopyTreeRaiseStops(t *testing.T) {
	srcOK := t.TempDir()
	write(t, filepath.Join(srcOK, "ok.txt"), "fine")
	out := t.TempDir()

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.BatchCopyTree(context.Background(), []Pair{
		{Src: filepath.Join(t.TempDir(), "absent"), Dst: filepath.Join(out, "first")},
		{Src: srcOK, Dst: filepath.Join(out, "second")},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
	_, statErr := os.Stat(filepath.Join(out, "second"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeltaCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	lines := func(fourth string) string {
		return "line one\nline two\nline three\n" + fourth + "\nline five\n"
	}
	write(t, dst, lines("line four"))
	write(t, src, lines("line four, modified"))

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.DeltaCopy(context.Background(), src, dst, "")
	require.NoError(t, err)
	assert.Equal(t, lines("line four, modified"), read(t, dst))
	assert.Equal(t, int64(1), st.FilesCopied)
}

// An explicit reference rebuilds the destination from a third file,
// so dst need not exist and ref is never modified.
func TestDeltaCopyAgainstReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	ref := filepath.Join(dir, "ref.txt")
	dst := filepath.Join(dir, "dst.txt")

	lines := func(fourth string) string {
		return "line one\nline two\nline three\n" + fourth + "\nline five\n"
	}
	write(t, ref, lines("line four"))
	write(t, src, lines("line four, modified"))

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.DeltaCopy(context.Background(), src, dst, ref)
	require.NoError(t, err)
	assert.Equal(t, lines("line four, modified"), read(t, dst))
	assert.Equal(t, lines("line four"), read(t, ref))
	assert.Equal(t, int64(1), st.DeltaCopies)
}

func TestDeltaCopyMissingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	write(t, src, "brand new file")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.DeltaCopy(context.Background(), src, dst, "")
	require.NoError(t, err)
	assert.Equal(t, "brand new file", read(t, dst))
}

func TestProgressCallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	write(t, src, string(make([]byte, 300*1024)))

	var calls int
	var last int64
	cfg := DefaultConfig()
	cfg.ThreadCount = 1
	cfg.Progress = func(copied, total int64, file string) {
		calls++
		last = copied
	}
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Copy(context.Background(), src, filepath.Join(dir, "dst.bin"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 2)
	assert.Equal(t, int64(300*1024), last)
}

func TestCopyWithServer(t *testing.T) {
	root := t.TempDir()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Root: root})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })

	src := t.TempDir()
	write(t, filepath.Join(src, "one.txt"), "remote one")
	write(t, filepath.Join(src, "nested/two.txt"), "remote two")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	st, err := c.CopyWithServer(context.Background(), src, "pushed", srv.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.FilesCopied)
	assert.Equal(t, "remote one", read(t, filepath.Join(root, "pushed", "one.txt")))
	assert.Equal(t, "remote two", read(t, filepath.Join(root, "pushed", "nested", "two.txt")))

	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.FilesReceived)
}

func TestCopyWithServerSingleFile(t *testing.T) {
	root := t.TempDir()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Root: root})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })

	src := filepath.Join(t.TempDir(), "solo.bin")
	write(t, src, "single payload")

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = c.CopyWithServer(context.Background(), src, "solo.bin", srv.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "single payload", read(t, filepath.Join(root, "solo.bin")))
}

func TestServerLifecycle(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Root: t.TempDir()})
	assert.False(t, srv.IsRunning())

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.NotNil(t, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.IsRunning())

	// Close after Stop is a no-op.
	assert.NoError(t, srv.Close())
}
