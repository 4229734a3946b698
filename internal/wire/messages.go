package wire

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/loonghao/eacopy/internal/delta"
	"github.com/loonghao/eacopy/internal/errkind"
)

// ProtocolVersion is bumped only on breaking wire changes.
const ProtocolVersion = 1

// Strategy values carried in FileMeta.
const (
	StrategyFull  byte = 0
	StrategyDelta byte = 1
)

// Control messages are msgpack array-encoded with the msgp primitives.
// Field order is the wire contract; append-only on changes.

// Handshake opens a connection: the client proposes a protocol version and
// compression level; the server replies with the negotiated values.
type Handshake struct {
	Version     int
	Compression int
}

func (h Handshake) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendInt(b, h.Version)
	b = msgp.AppendInt(b, h.Compression)
	return b
}

func (h *Handshake) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 2 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad handshake: %v", err)
	}
	if h.Version, b, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if h.Compression, _, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// HandshakeAck is the server's reply. Compression is the level the server
// will accept for this connection; OK false rejects the connection.
type HandshakeAck struct {
	Reason      string
	Version     int
	Compression int
	OK          bool
}

func (h HandshakeAck) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 4)
	b = msgp.AppendBool(b, h.OK)
	b = msgp.AppendString(b, h.Reason)
	b = msgp.AppendInt(b, h.Version)
	b = msgp.AppendInt(b, h.Compression)
	return b
}

func (h *HandshakeAck) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 4 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad handshake ack: %v", err)
	}
	if h.OK, b, err = msgp.ReadBoolBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if h.Reason, b, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if h.Version, b, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if h.Compression, _, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// FileMeta begins a transfer session: destination path (relative, may
// contain any non-NUL bytes), declared size, permissions, mtime, the chosen
// strategy, and whether metadata preservation was requested.
type FileMeta struct {
	Path         string
	Size         int64
	ModTimeNanos int64
	Mode         uint32
	Strategy     byte
	Preserve     bool
}

func (m FileMeta) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 6)
	b = msgp.AppendString(b, m.Path)
	b = msgp.AppendInt64(b, m.Size)
	b = msgp.AppendInt64(b, m.ModTimeNanos)
	b = msgp.AppendUint32(b, m.Mode)
	b = msgp.AppendByte(b, m.Strategy)
	b = msgp.AppendBool(b, m.Preserve)
	return b
}

func (m *FileMeta) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 6 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad file meta: %v", err)
	}
	if m.Path, b, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if m.Size, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if m.ModTimeNanos, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if m.Mode, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if m.Strategy, b, err = msgp.ReadByteBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if m.Preserve, _, err = msgp.ReadBoolBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// MetaAck accepts or rejects a FileMeta. For delta sessions on an accepted
// file, it carries the signature of the server-side reference file; a delta
// request with HasSignature false tells the client to fall back to a full
// transfer (reference missing or empty).
type MetaAck struct {
	Reason       string
	Sig          delta.Signature
	OK           bool
	HasSignature bool
}

func (a MetaAck) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 6)
	b = msgp.AppendBool(b, a.OK)
	b = msgp.AppendString(b, a.Reason)
	b = msgp.AppendBool(b, a.HasSignature)
	b = msgp.AppendInt(b, a.Sig.BlockSize)
	b = msgp.AppendInt64(b, a.Sig.FileSize)
	b = msgp.AppendArrayHeader(b, uint32(len(a.Sig.Blocks)))
	for _, c := range a.Sig.Blocks {
		b = msgp.AppendInt64(b, c.Offset)
		b = msgp.AppendInt(b, c.Length)
		b = msgp.AppendUint32(b, c.Weak)
		b = msgp.AppendBytes(b, c.Strong[:])
	}
	return b
}

func (a *MetaAck) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 6 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad meta ack: %v", err)
	}
	if a.OK, b, err = msgp.ReadBoolBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if a.Reason, b, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if a.HasSignature, b, err = msgp.ReadBoolBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if a.Sig.BlockSize, b, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if a.Sig.FileSize, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	// Each block encodes to at least 37 bytes (three varints, a bin
	// header, and the 32-byte strong hash), so a count the remaining
	// payload cannot hold is forged. Check before allocating.
	if uint64(n)*37 > uint64(len(b)) {
		return errkind.Errorf(errkind.ProtocolViolation, "", "signature block count %d exceeds payload", n)
	}
	a.Sig.Blocks = make([]delta.Chunk, n)
	for i := range a.Sig.Blocks {
		c := &a.Sig.Blocks[i]
		c.Index = i
		if c.Offset, b, err = msgp.ReadInt64Bytes(b); err != nil {
			return errkind.Wrap(errkind.ProtocolViolation, "", err)
		}
		if c.Length, b, err = msgp.ReadIntBytes(b); err != nil {
			return errkind.Wrap(errkind.ProtocolViolation, "", err)
		}
		if c.Weak, b, err = msgp.ReadUint32Bytes(b); err != nil {
			return errkind.Wrap(errkind.ProtocolViolation, "", err)
		}
		var strong []byte
		if strong, b, err = msgp.ReadBytesBytes(b, nil); err != nil || len(strong) != 32 {
			return errkind.Errorf(errkind.ProtocolViolation, "", "bad strong hash: %v", err)
		}
		copy(c.Strong[:], strong)
	}
	return nil
}

// Done ends the client's data stream for a session. Hash is the BLAKE3 hex
// digest of the source file, computed while streaming; the server verifies
// its reconstruction against it.
type Done struct {
	Hash  string
	Bytes int64
}

func (d Done) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendString(b, d.Hash)
	b = msgp.AppendInt64(b, d.Bytes)
	return b
}

func (d *Done) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 2 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad done: %v", err)
	}
	if d.Hash, b, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if d.Bytes, _, err = msgp.ReadInt64Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// Ack closes a session successfully. Hash echoes the verified destination
// hash so the client can double-check.
type Ack struct {
	Hash  string
	Bytes int64
}

func (a Ack) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendString(b, a.Hash)
	b = msgp.AppendInt64(b, a.Bytes)
	return b
}

func (a *Ack) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 2 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad ack: %v", err)
	}
	if a.Hash, b, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if a.Bytes, _, err = msgp.ReadInt64Bytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// ErrorMsg closes a session (or the connection, on the control session)
// with a failure. Code is an errkind.Kind value.
type ErrorMsg struct {
	Message string
	Code    int
}

func (e ErrorMsg) Marshal() []byte {
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendInt(b, e.Code)
	b = msgp.AppendString(b, e.Message)
	return b
}

func (e *ErrorMsg) Unmarshal(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 2 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "bad error msg: %v", err)
	}
	if e.Code, b, err = msgp.ReadIntBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if e.Message, _, err = msgp.ReadStringBytes(b); err != nil {
		return errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	return nil
}

// Err converts a received ErrorMsg back into a classified error.
func (e ErrorMsg) Err(path string) error {
	return errkind.Errorf(errkind.Kind(e.Code), path, "remote: %s", e.Message)
}
