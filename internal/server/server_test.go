package server

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/loonghao/eacopy/internal/client"
	"github.com/loonghao/eacopy/internal/engine"
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/transfer"
)

func startServer(t *testing.T, root string) *Server {
	t.Helper()
	s := New(Options{Addr: "127.0.0.1:0", Root: root})
	require.NoError(t, s.Start())
	t.Cleanup(s.StopNow)
	return s
}

func dial(t *testing.T, s *Server, compression int) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), client.Options{
		Addr:        s.Addr().String(),
		Compression: compression,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeRandom(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

func TestPushFile(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 3)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "payload.bin")
	data := writeRandom(t, src, 2*1024*1024+99)

	sess, err := c.Transfer(context.Background(), src, "incoming/payload.bin", transfer.StrategyFull, transfer.Options{})
	require.NoError(t, err)
	assert.Equal(t, transfer.StateComplete, sess.State())

	got, err := os.ReadFile(filepath.Join(root, "incoming", "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	snap := s.Stats()
	assert.Equal(t, int64(1), snap.Connections)
	assert.Equal(t, int64(1), snap.FilesReceived)
	assert.Equal(t, int64(len(data)), snap.BytesReceived)
}

func TestPushFilePreservesMtime(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 0)

	src := filepath.Join(t.TempDir(), "f.bin")
	writeRandom(t, src, 1024)
	mtime := time.Date(2021, 3, 14, 1, 59, 26, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	_, err := c.Transfer(context.Background(), src, "f.bin", transfer.StrategyFull, transfer.Options{Preserve: true})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "f.bin"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
}

// A push that takes longer than the read timeout must survive: the
// server is silent between MetaAck and the final Ack, and that silence
// is not a dead connection.
func TestSlowPushOutlivesReadTimeout(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)

	c, err := client.Dial(context.Background(), client.Options{
		Addr:      s.Addr().String(),
		IOTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	src := filepath.Join(t.TempDir(), "slow.bin")
	data := writeRandom(t, src, 64*1024)

	// ~1.7s at this rate, several timeouts' worth of quiet.
	limiter := rate.NewLimiter(rate.Limit(32*1024), 8*1024)
	sess, err := c.Transfer(context.Background(), src, "slow.bin", transfer.StrategyFull,
		transfer.Options{Limiter: limiter})
	require.NoError(t, err)
	assert.Equal(t, transfer.StateComplete, sess.State())

	got, err := os.ReadFile(filepath.Join(root, "slow.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPushDelta(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 1)

	// Seed the reference on the server, then push a slightly edited
	// version with the delta strategy.
	src := filepath.Join(t.TempDir(), "doc.bin")
	original := writeRandom(t, src, 1024*1024)
	_, err := c.Transfer(context.Background(), src, "doc.bin", transfer.StrategyFull, transfer.Options{})
	require.NoError(t, err)

	modified := append([]byte(nil), original...)
	copy(modified[300*1024:], []byte("edited region"))
	require.NoError(t, os.WriteFile(src, modified, 0o644))

	sess, err := c.Transfer(context.Background(), src, "doc.bin", transfer.StrategyDelta, transfer.Options{})
	require.NoError(t, err)
	assert.Equal(t, transfer.StateComplete, sess.State())

	got, err := os.ReadFile(filepath.Join(root, "doc.bin"))
	require.NoError(t, err)
	assert.Equal(t, modified, got)
}

func TestPushDeltaWithoutReferenceFallsBack(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 0)

	src := filepath.Join(t.TempDir(), "new.bin")
	data := writeRandom(t, src, 64*1024)

	// No reference exists server-side; the session still completes by
	// streaming the full content.
	sess, err := c.Transfer(context.Background(), src, "new.bin", transfer.StrategyDelta, transfer.Options{})
	require.NoError(t, err)
	assert.Equal(t, transfer.StateComplete, sess.State())

	got, err := os.ReadFile(filepath.Join(root, "new.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRejectsEscapingPath(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 0)

	src := filepath.Join(t.TempDir(), "evil.bin")
	writeRandom(t, src, 128)

	_, err := c.Transfer(context.Background(), src, "../evil.bin", transfer.StrategyFull, transfer.Options{})
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestRemoteTreeCopy(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, root)
	c := dial(t, s, 3)

	srcDir := t.TempDir()
	files := map[string]int{
		"a.bin":       1024,
		"b.bin":       64 * 1024,
		"sub/c.bin":   300 * 1024,
		"sub/d/e.bin": 10,
	}
	contents := map[string][]byte{}
	for name, size := range files {
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		contents[name] = writeRandom(t, path, size)
	}

	e := engine.New(engine.Options{Workers: 3, Transferer: c})
	snap, err := e.CopyTree(context.Background(), srcDir, "mirror")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.FilesCopied)

	for name, want := range contents {
		got, err := os.ReadFile(filepath.Join(root, "mirror", filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestStopDrains(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0", Root: t.TempDir()})
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())

	// Stopping again is a no-op.
	require.NoError(t, s.Stop(ctx))
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, t.TempDir())
	assert.Error(t, s.Start())
}

func TestStatsUptime(t *testing.T) {
	s := startServer(t, t.TempDir())
	snap := s.Stats()
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
	assert.Zero(t, snap.ActiveSessions)
}
