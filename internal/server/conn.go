package server

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loonghao/eacopy/internal/delta"
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/transfer"
	"github.com/loonghao/eacopy/internal/wire"
)

// connState is the per-connection protocol state. The codec is set by
// the handshake before any transfer session may begin.
type connState struct {
	srv   *Server
	mux   *wire.Mux
	codec *wire.Codec
	sem   chan struct{}

	mu sync.Mutex
}

func newConnState(s *Server, mux *wire.Mux) *connState {
	return &connState{
		srv: s,
		mux: mux,
		sem: make(chan struct{}, s.opts.MaxSessions),
	}
}

// handleSession dispatches a newly opened inbound session. The mux runs
// it on its own goroutine and waits for it before Run returns.
func (cs *connState) handleSession(session uint32, ch <-chan wire.Frame) {
	if session == wire.ControlSession {
		cs.handleControl(ch)
		return
	}

	cs.sem <- struct{}{}
	defer func() { <-cs.sem }()

	cs.srv.stats.SessionStarted()
	defer cs.srv.stats.SessionEnded()
	defer cs.mux.Release(session)
	cs.handleTransfer(session, ch)
}

// handleControl answers handshakes and acknowledges disconnects.
func (cs *connState) handleControl(ch <-chan wire.Frame) {
	for f := range ch {
		switch f.Type {
		case wire.FrameHandshake:
			cs.answerHandshake(f)
		case wire.FrameClose:
			cs.srv.log.Debug("client disconnecting")
		default:
			cs.srv.log.Warn("unexpected control frame", "type", f.Type)
		}
	}
}

func (cs *connState) answerHandshake(f wire.Frame) {
	var hs wire.Handshake
	if err := hs.Unmarshal(f.Payload); err != nil {
		cs.sendHandshakeAck(wire.HandshakeAck{Reason: "malformed handshake"})
		return
	}
	if hs.Version != wire.ProtocolVersion {
		cs.sendHandshakeAck(wire.HandshakeAck{
			Reason:  "unsupported protocol version",
			Version: wire.ProtocolVersion,
		})
		return
	}

	level := hs.Compression
	if level < 0 || level > 9 {
		level = 0
	}
	codec, err := wire.NewCodec(level)
	if err != nil {
		cs.sendHandshakeAck(wire.HandshakeAck{Reason: "compression unavailable"})
		return
	}

	cs.mu.Lock()
	if cs.codec != nil {
		cs.codec.Close()
	}
	cs.codec = codec
	cs.mu.Unlock()

	cs.sendHandshakeAck(wire.HandshakeAck{
		OK:          true,
		Version:     wire.ProtocolVersion,
		Compression: level,
	})
}

func (cs *connState) sendHandshakeAck(ack wire.HandshakeAck) {
	_ = cs.mux.Send(wire.Frame{
		Session: wire.ControlSession,
		Type:    wire.FrameHandshakeAck,
		Payload: ack.Marshal(),
	})
}

func (cs *connState) getCodec() *wire.Codec {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.codec
}

// handleTransfer receives one pushed file: FileMeta, then chunk or
// delta frames, then Done. The file lands in a temp next to its final
// path and is renamed only after the hash check passes.
func (cs *connState) handleTransfer(session uint32, ch <-chan wire.Frame) {
	f, ok := <-ch
	if !ok {
		return
	}
	codec := cs.getCodec()
	if codec == nil {
		cs.fail(session, ch, errkind.Errorf(errkind.ProtocolViolation, "", "transfer before handshake"))
		return
	}
	if f.Type != wire.FrameFileMeta {
		cs.fail(session, ch, errkind.Errorf(errkind.ProtocolViolation, "", "expected file meta, got frame 0x%02x", f.Type))
		return
	}
	var meta wire.FileMeta
	if err := meta.Unmarshal(f.Payload); err != nil {
		cs.fail(session, ch, err)
		return
	}

	dest, err := cs.resolve(meta.Path)
	if err != nil {
		cs.fail(session, ch, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		cs.fail(session, ch, errkind.ClassifyIO(meta.Path, err))
		return
	}

	// Delta needs an existing non-empty reference; otherwise the client
	// falls back to a plain stream.
	ref, ack := cs.openReference(meta, dest)
	if ref != nil {
		defer ref.Close()
	}
	if err := cs.send(session, wire.FrameMetaAck, ack.Marshal()); err != nil {
		return
	}

	perm := os.FileMode(meta.Mode).Perm()
	if perm == 0 {
		perm = 0o644
	}
	tmp, err := transfer.CreateTemp(dest, perm)
	if err != nil {
		cs.fail(session, ch, err)
		return
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var writeOffset int64
	for f := range ch {
		switch f.Type {
		case wire.FrameChunkData:
			offset, raw, err := wire.DecodeChunk(codec, f.Payload)
			if err != nil {
				cs.fail(session, ch, err)
				return
			}
			if _, err := tmp.WriteAt(raw, offset); err != nil {
				cs.fail(session, ch, errkind.ClassifyIO(meta.Path, err))
				return
			}
			writeOffset = max(writeOffset, offset+int64(len(raw)))
			cs.srv.stats.AddBytesReceived(int64(len(raw)))

		case wire.FrameDeltaInstr:
			op, err := wire.DecodeDeltaOp(codec, f.Payload)
			if err != nil {
				cs.fail(session, ch, err)
				return
			}
			n, err := cs.applyOp(tmp, ref, op, writeOffset)
			if err != nil {
				cs.fail(session, ch, err)
				return
			}
			writeOffset += n
			cs.srv.stats.AddBytesReceived(n)

		case wire.FrameDone:
			var done wire.Done
			if err := done.Unmarshal(f.Payload); err != nil {
				cs.reject(session, err)
				return
			}
			if err := cs.commit(tmp, dest, meta, done); err != nil {
				cs.reject(session, err)
				return
			}
			committed = true
			cs.srv.stats.AddFilesReceived(1)
			_ = cs.send(session, wire.FrameAck, wire.Ack{Hash: done.Hash, Bytes: done.Bytes}.Marshal())
			return

		case wire.FrameError:
			var msg wire.ErrorMsg
			if err := msg.Unmarshal(f.Payload); err == nil {
				cs.srv.log.Warn("client aborted session", "path", meta.Path, "error", msg.Message)
			}
			return

		default:
			cs.fail(session, ch, errkind.Errorf(errkind.ProtocolViolation, meta.Path, "unexpected frame 0x%02x", f.Type))
			return
		}
	}
}

// openReference prepares the delta reference and the MetaAck that
// advertises it.
func (cs *connState) openReference(meta wire.FileMeta, dest string) (*os.File, wire.MetaAck) {
	ack := wire.MetaAck{OK: true}
	if meta.Strategy != wire.StrategyDelta {
		return nil, ack
	}

	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, ack
	}
	ref, err := os.Open(dest)
	if err != nil {
		return nil, ack
	}
	sig, err := delta.ComputeSignature(ref, delta.ChooseBlockSize(info.Size()))
	if err != nil {
		ref.Close()
		return nil, ack
	}
	ack.HasSignature = true
	ack.Sig = sig
	return ref, ack
}

// applyOp materializes one delta instruction at the current write
// offset. Copy instructions read back from the reference file.
func (cs *connState) applyOp(tmp *os.File, ref *os.File, op delta.Op, writeOffset int64) (int64, error) {
	switch op.Kind {
	case delta.OpLiteral:
		if _, err := tmp.WriteAt(op.Literal, writeOffset); err != nil {
			return 0, errkind.ClassifyIO(tmp.Name(), err)
		}
		return int64(len(op.Literal)), nil

	case delta.OpCopy:
		if ref == nil {
			return 0, errkind.Errorf(errkind.CorruptDeltaStream, tmp.Name(), "copy instruction without reference")
		}
		refInfo, err := ref.Stat()
		if err != nil {
			return 0, errkind.ClassifyIO(ref.Name(), err)
		}
		if op.Offset < 0 || op.Length < 0 || op.Offset+op.Length > refInfo.Size() {
			return 0, errkind.Errorf(errkind.CorruptDeltaStream, tmp.Name(),
				"copy [%d,%d) outside reference of %d bytes", op.Offset, op.Offset+op.Length, refInfo.Size())
		}
		if _, err := ref.Seek(op.Offset, io.SeekStart); err != nil {
			return 0, errkind.ClassifyIO(ref.Name(), err)
		}
		if _, err := tmp.Seek(writeOffset, io.SeekStart); err != nil {
			return 0, errkind.ClassifyIO(tmp.Name(), err)
		}
		if _, err := io.CopyN(tmp, ref, op.Length); err != nil {
			return 0, errkind.ClassifyIO(tmp.Name(), err)
		}
		return op.Length, nil
	}
	return 0, errkind.Errorf(errkind.CorruptDeltaStream, tmp.Name(), "unknown instruction kind %d", op.Kind)
}

// commit verifies the received bytes and renames the temp into place.
func (cs *connState) commit(tmp *os.File, dest string, meta wire.FileMeta, done wire.Done) error {
	if err := tmp.Sync(); err != nil {
		return errkind.ClassifyIO(dest, err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.ClassifyIO(dest, err)
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		return errkind.ClassifyIO(dest, err)
	}
	if info.Size() != meta.Size {
		return errkind.Errorf(errkind.IntegrityMismatch, meta.Path,
			"size %d, want %d", info.Size(), meta.Size)
	}
	hash, err := transfer.HashFile(tmp.Name())
	if err != nil {
		return err
	}
	if hex.EncodeToString(hash) != done.Hash {
		return errkind.Errorf(errkind.IntegrityMismatch, meta.Path,
			"hash %x, want %s", hash, done.Hash)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errkind.ClassifyIO(dest, err)
	}
	if meta.Preserve {
		mtime := timeFromNanos(meta.ModTimeNanos)
		if err := os.Chtimes(dest, mtime, mtime); err != nil {
			return errkind.ClassifyIO(dest, err)
		}
	}
	cs.srv.log.Debug("file received", "path", meta.Path, "bytes", done.Bytes)
	return nil
}

// resolve maps a wire path to a location under the server root,
// rejecting absolute paths and parent-directory escapes.
func (cs *connState) resolve(wirePath string) (string, error) {
	if wirePath == "" {
		return "", errkind.Errorf(errkind.InvalidArgument, wirePath, "empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(wirePath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errkind.Errorf(errkind.InvalidArgument, wirePath, "path escapes server root")
	}
	root := cs.srv.opts.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, clean), nil
}

// reject reports a session error to the client.
func (cs *connState) reject(session uint32, cause error) {
	cs.srv.log.Warn("session failed", "session", session, "error", cause)
	msg := wire.ErrorMsg{Code: int(errkind.KindOf(cause)), Message: cause.Error()}
	_ = cs.send(session, wire.FrameError, msg.Marshal())
}

// fail rejects the session and drains remaining frames so the
// connection's read loop is never wedged on this session.
func (cs *connState) fail(session uint32, ch <-chan wire.Frame, cause error) {
	cs.reject(session, cause)
	for f := range ch {
		if f.Type == wire.FrameDone || f.Type == wire.FrameError {
			return
		}
	}
}

func timeFromNanos(nanos int64) time.Time {
	return time.Unix(0, nanos)
}

func (cs *connState) send(session uint32, frameType byte, payload []byte) error {
	return cs.mux.Send(wire.Frame{Session: session, Type: frameType, Payload: payload})
}
