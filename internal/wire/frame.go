// Package wire implements the transfer protocol: length-prefixed frames
// multiplexing concurrent transfer sessions over one TCP connection,
// msgpack-encoded control messages, and per-chunk payload compression.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/loonghao/eacopy/internal/errkind"
)

const (
	// FrameHeaderSize is 4 bytes frame length + 4 bytes session ID +
	// 1 byte frame type.
	FrameHeaderSize = 9

	// MaxFrameSize bounds a single frame including its header.
	MaxFrameSize = 4 * 1024 * 1024

	// DataChunkSize is the payload size used when streaming file data.
	DataChunkSize = 256 * 1024

	// ControlSession is the session ID for connection-level messages
	// (handshake, close).
	ControlSession uint32 = 0
)

// Frame types.
const (
	FrameHandshake    byte = 0x01
	FrameHandshakeAck byte = 0x02
	FrameClose        byte = 0x03

	FrameFileMeta   byte = 0x10
	FrameMetaAck    byte = 0x11
	FrameChunkData  byte = 0x12
	FrameDeltaInstr byte = 0x13
	FrameDone       byte = 0x14
	FrameAck        byte = 0x15
	FrameError      byte = 0x1F
)

// Frame is a single protocol message on the wire.
type Frame struct {
	Payload []byte
	Session uint32
	Type    byte
}

// WriteFrame writes a length-prefixed frame to w.
// Wire format: [4-byte length (big-endian)][4-byte session ID][1-byte type][payload].
// The length field covers the session ID, type and payload. Header and
// payload go out in a single Write to keep one frame per syscall.
func WriteFrame(w io.Writer, f Frame) error {
	totalLen := uint32(4 + 1 + len(f.Payload))
	if totalLen > MaxFrameSize-4 {
		return errkind.Errorf(errkind.ProtocolViolation, "", "frame of %d bytes exceeds limit", totalLen)
	}

	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], totalLen)
	binary.BigEndian.PutUint32(buf[4:8], f.Session)
	buf[8] = f.Type
	copy(buf[FrameHeaderSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return errkind.ClassifyIO("", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	// Compare before allocating; the addition must not wrap for
	// adversarial lengths near the uint32 ceiling.
	totalLen := binary.BigEndian.Uint32(header[0:4])
	if totalLen > MaxFrameSize-4 {
		return Frame{}, errkind.Errorf(errkind.ProtocolViolation, "", "frame of %d bytes exceeds limit", totalLen)
	}
	if totalLen < 5 {
		return Frame{}, errkind.Errorf(errkind.ProtocolViolation, "", "frame too small: length %d", totalLen)
	}

	f := Frame{
		Session: binary.BigEndian.Uint32(header[4:8]),
		Type:    header[8],
	}

	if payloadLen := totalLen - 5; payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, errkind.ClassifyIO("", err)
		}
	}
	return f, nil
}
