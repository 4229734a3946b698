// Package client speaks the transfer protocol to a remote server. It
// plugs into the engine as a Transferer, so tree walks and batches run
// unchanged with a network destination.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/loonghao/eacopy/internal/delta"
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/transfer"
	"github.com/loonghao/eacopy/internal/wire"
)

// DefaultPort is the well-known server port.
const DefaultPort = 31337

const (
	defaultDialTimeout = 10 * time.Second
	defaultIOTimeout   = 30 * time.Second
)

// Options configure a connection.
type Options struct {
	// Addr is the server host:port; a bare host gets the default port.
	Addr string
	// Compression is the requested zstd level (0-9); the server may
	// negotiate it down.
	Compression int
	DialTimeout time.Duration
	// IOTimeout bounds each socket read and write.
	IOTimeout time.Duration
	Logger    *slog.Logger
}

// Client is one authenticated connection to a server. Sessions may run
// concurrently from multiple goroutines.
type Client struct {
	mux   *wire.Mux
	codec *wire.Codec
	log   *slog.Logger

	nextSession atomic.Uint32
}

// Dial connects, performs the handshake, and negotiates compression.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	addr := opts.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errkind.ClassifyIO(addr, err)
	}

	mux := wire.NewMux(conn, opts.IOTimeout)
	ctrl := mux.OpenSession(wire.ControlSession)
	go func() { _ = mux.Run() }()

	c := &Client{mux: mux, log: opts.Logger}
	hs := wire.Handshake{Version: wire.ProtocolVersion, Compression: opts.Compression}
	if err := mux.Send(wire.Frame{Session: wire.ControlSession, Type: wire.FrameHandshake, Payload: hs.Marshal()}); err != nil {
		mux.Close()
		return nil, errkind.Wrap(errkind.IoError, addr, err)
	}

	f, err := c.await(ctx, ctrl, addr)
	if err != nil {
		mux.Close()
		return nil, err
	}
	if f.Type != wire.FrameHandshakeAck {
		mux.Close()
		return nil, errkind.Errorf(errkind.ProtocolViolation, addr, "expected handshake ack, got frame 0x%02x", f.Type)
	}
	var ack wire.HandshakeAck
	if err := ack.Unmarshal(f.Payload); err != nil {
		mux.Close()
		return nil, err
	}
	if !ack.OK {
		mux.Close()
		return nil, errkind.Errorf(errkind.ProtocolViolation, addr, "handshake rejected: %s", ack.Reason)
	}

	codec, err := wire.NewCodec(ack.Compression)
	if err != nil {
		mux.Close()
		return nil, err
	}
	c.codec = codec

	opts.Logger.Debug("connected", "addr", addr, "compression", ack.Compression)
	return c, nil
}

// Close announces the disconnect, flushes pending frames, and releases
// the connection.
func (c *Client) Close() error {
	_ = c.mux.Send(wire.Frame{Session: wire.ControlSession, Type: wire.FrameClose})
	c.mux.Shutdown()
	c.codec.Close()
	return nil
}

// Transfer pushes one local file to the remote path dst. It satisfies
// the engine's Transferer contract. A delta request against a missing
// remote reference silently falls back to streaming the whole file.
func (c *Client) Transfer(ctx context.Context, src, dst string, strategy transfer.Strategy, opts transfer.Options) (*transfer.Session, error) {
	info, err := os.Stat(src)
	if err != nil {
		sess := transfer.NewSession(src, strategy, 0, opts.Sink)
		return sess, sess.Fail(err)
	}

	sess := transfer.NewSession(dst, strategy, info.Size(), opts.Sink)
	if err := sess.Begin(); err != nil {
		return sess, err
	}

	id := c.nextSession.Add(1)
	ch := c.mux.OpenSession(id)
	defer c.mux.Release(id)

	wireStrategy := wire.StrategyFull
	if strategy == transfer.StrategyDelta {
		wireStrategy = wire.StrategyDelta
	}
	meta := wire.FileMeta{
		Path:         filepath.ToSlash(dst),
		Size:         info.Size(),
		ModTimeNanos: info.ModTime().UnixNano(),
		Mode:         uint32(info.Mode().Perm()),
		Strategy:     wireStrategy,
		Preserve:     opts.Preserve,
	}
	if err := c.send(id, wire.FrameFileMeta, meta.Marshal()); err != nil {
		return sess, sess.Fail(err)
	}

	f, err := c.await(ctx, ch, dst)
	if err != nil {
		return sess, sess.Fail(err)
	}
	if f.Type != wire.FrameMetaAck {
		return sess, c.abort(id, sess, errkind.Errorf(errkind.ProtocolViolation, dst, "expected meta ack, got frame 0x%02x", f.Type))
	}
	var ack wire.MetaAck
	if err := ack.Unmarshal(f.Payload); err != nil {
		return sess, c.abort(id, sess, err)
	}
	if !ack.OK {
		return sess, c.abort(id, sess, errkind.Errorf(errkind.IoError, dst, "rejected by server: %s", ack.Reason))
	}

	if err := sess.StartTransfer(); err != nil {
		return sess, err
	}

	in, err := os.Open(src)
	if err != nil {
		return sess, c.abort(id, sess, err)
	}
	defer in.Close()

	hash := blake3.New()
	reader := io.TeeReader(transfer.Throttle(ctx, in, opts.Limiter), hash)

	if strategy == transfer.StrategyDelta && ack.HasSignature {
		err = c.sendDelta(ctx, id, sess, reader, ack.Sig)
	} else {
		err = c.sendChunks(ctx, id, sess, reader)
	}
	if err != nil {
		return sess, c.abort(id, sess, err)
	}

	if err := sess.StartVerify(); err != nil {
		return sess, err
	}
	done := wire.Done{Hash: hex.EncodeToString(hash.Sum(nil)), Bytes: info.Size()}
	if err := c.send(id, wire.FrameDone, done.Marshal()); err != nil {
		return sess, sess.Fail(err)
	}

	f, err = c.await(ctx, ch, dst)
	if err != nil {
		return sess, sess.Fail(err)
	}
	if f.Type != wire.FrameAck {
		return sess, sess.Fail(errkind.Errorf(errkind.ProtocolViolation, dst, "expected ack, got frame 0x%02x", f.Type))
	}
	var final wire.Ack
	if err := final.Unmarshal(f.Payload); err != nil {
		return sess, sess.Fail(err)
	}
	if final.Hash != done.Hash {
		return sess, sess.Fail(errkind.Errorf(errkind.IntegrityMismatch, dst,
			"server hash %s, want %s", final.Hash, done.Hash))
	}
	return sess, sess.Complete()
}

// sendChunks streams the file as fixed-size chunks.
func (c *Client) sendChunks(ctx context.Context, id uint32, sess *transfer.Session, r io.Reader) error {
	buf := make([]byte, wire.DataChunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			payload := wire.EncodeChunk(c.codec, offset, buf[:n])
			if err := c.send(id, wire.FrameChunkData, payload); err != nil {
				return err
			}
			offset += int64(n)
			sess.Advance(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errkind.ClassifyIO(sess.Path, rerr)
		}
	}
}

// sendDelta encodes the source against the server's reference signature
// and streams the instructions. Long literal runs are split so every
// frame stays under the frame size limit.
func (c *Client) sendDelta(ctx context.Context, id uint32, sess *transfer.Session, r io.Reader, sig delta.Signature) error {
	ops, err := delta.Encode(r, sig)
	if err != nil {
		return err
	}
	copies, literalBytes := delta.Stats(ops)
	c.log.Debug("delta encoded", "path", sess.Path, "copies", copies, "literal_bytes", literalBytes)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, part := range splitOp(op, wire.DataChunkSize) {
			payload := wire.EncodeDeltaOp(c.codec, part)
			if err := c.send(id, wire.FrameDeltaInstr, payload); err != nil {
				return err
			}
			sess.Advance(part.Length)
		}
	}
	return nil
}

// splitOp breaks literal runs into frame-sized pieces; copy
// instructions are a fixed 17 bytes and pass through whole.
func splitOp(op delta.Op, limit int) []delta.Op {
	if op.Kind == delta.OpCopy || len(op.Literal) <= limit {
		return []delta.Op{op}
	}
	parts := make([]delta.Op, 0, len(op.Literal)/limit+1)
	for start := 0; start < len(op.Literal); start += limit {
		end := min(start+limit, len(op.Literal))
		parts = append(parts, delta.Op{
			Kind:    delta.OpLiteral,
			Literal: op.Literal[start:end],
			Length:  int64(end - start),
		})
	}
	return parts
}

func (c *Client) send(id uint32, frameType byte, payload []byte) error {
	if err := c.mux.Send(wire.Frame{Session: id, Type: frameType, Payload: payload}); err != nil {
		return errkind.Wrap(errkind.IoError, "", err)
	}
	return nil
}

// abort tells the server to discard the session's partial state, then
// fails the local session.
func (c *Client) abort(id uint32, sess *transfer.Session, cause error) error {
	msg := wire.ErrorMsg{Code: int(errkind.KindOf(cause)), Message: cause.Error()}
	_ = c.send(id, wire.FrameError, msg.Marshal())
	return sess.Fail(cause)
}

// await blocks for the next frame on ch, translating server-reported
// errors and connection loss. The read deadline is armed only for the
// duration of the wait: the server is legitimately quiet while we push
// data, and a standing deadline would cut off slow transfers.
func (c *Client) await(ctx context.Context, ch <-chan wire.Frame, path string) (wire.Frame, error) {
	release := c.mux.Expect()
	defer release()
	select {
	case f, ok := <-ch:
		if !ok {
			return wire.Frame{}, c.connErr(path)
		}
		if f.Type == wire.FrameError {
			var msg wire.ErrorMsg
			if err := msg.Unmarshal(f.Payload); err != nil {
				return wire.Frame{}, err
			}
			return wire.Frame{}, msg.Err(path)
		}
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, errkind.ClassifyIO(path, ctx.Err())
	case <-c.mux.Done():
		return wire.Frame{}, c.connErr(path)
	}
}

func (c *Client) connErr(path string) error {
	if err := c.mux.Err(); err != nil {
		return errkind.ClassifyIO(path, err)
	}
	return errkind.Errorf(errkind.IoError, path, "connection closed")
}
