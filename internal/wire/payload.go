package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/loonghao/eacopy/internal/delta"
	"github.com/loonghao/eacopy/internal/errkind"
)

// Data payloads are raw binary rather than msgpack: they are the hot path
// and their layout is fixed. Every chunk carries an xxhash64 of the
// uncompressed bytes as a cheap integrity pre-check; the whole-file BLAKE3
// comparison at session end remains authoritative.

// ChunkData payload: [8B offset][8B xxhash64][4B raw length][body].
// The body is compressed when the connection negotiated a level > 0.

// EncodeChunk builds a ChunkData payload for raw bytes at the given offset.
func EncodeChunk(codec *Codec, offset int64, raw []byte) []byte {
	body := codec.Compress(raw)
	buf := make([]byte, 20+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(offset))
	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(raw))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(raw)))
	copy(buf[20:], body)
	return buf
}

// DecodeChunk parses and verifies a ChunkData payload.
func DecodeChunk(codec *Codec, payload []byte) (offset int64, raw []byte, err error) {
	if len(payload) < 20 {
		return 0, nil, errkind.Errorf(errkind.ProtocolViolation, "", "chunk payload of %d bytes", len(payload))
	}
	offset = int64(binary.BigEndian.Uint64(payload[0:8]))
	sum := binary.BigEndian.Uint64(payload[8:16])
	rawLen := binary.BigEndian.Uint32(payload[16:20])

	raw, err = codec.Decompress(payload[20:])
	if err != nil {
		return 0, nil, errkind.Wrap(errkind.ProtocolViolation, "", err)
	}
	if uint32(len(raw)) != rawLen {
		return 0, nil, errkind.Errorf(errkind.ProtocolViolation, "",
			"chunk length %d, declared %d", len(raw), rawLen)
	}
	if xxhash.Sum64(raw) != sum {
		return 0, nil, errkind.Errorf(errkind.ProtocolViolation, "", "chunk checksum mismatch at offset %d", offset)
	}
	return offset, raw, nil
}

// DeltaInstr payload:
//   copy:    [1B kind=0][8B reference offset][8B length]
//   literal: [1B kind=1][8B xxhash64][4B raw length][body]
// Literal runs longer than DataChunkSize are fragmented by the sender.

// EncodeDeltaOp builds a DeltaInstr payload for one instruction.
func EncodeDeltaOp(codec *Codec, op delta.Op) []byte {
	if op.Kind == delta.OpCopy {
		buf := make([]byte, 17)
		buf[0] = byte(delta.OpCopy)
		binary.BigEndian.PutUint64(buf[1:9], uint64(op.Offset))
		binary.BigEndian.PutUint64(buf[9:17], uint64(op.Length))
		return buf
	}

	body := codec.Compress(op.Literal)
	buf := make([]byte, 13+len(body))
	buf[0] = byte(delta.OpLiteral)
	binary.BigEndian.PutUint64(buf[1:9], xxhash.Sum64(op.Literal))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(op.Literal)))
	copy(buf[13:], body)
	return buf
}

// DecodeDeltaOp parses and verifies a DeltaInstr payload.
func DecodeDeltaOp(codec *Codec, payload []byte) (delta.Op, error) {
	if len(payload) < 1 {
		return delta.Op{}, errkind.New(errkind.ProtocolViolation, "")
	}
	switch delta.OpKind(payload[0]) {
	case delta.OpCopy:
		if len(payload) != 17 {
			return delta.Op{}, errkind.Errorf(errkind.ProtocolViolation, "", "copy op payload of %d bytes", len(payload))
		}
		return delta.Op{
			Kind:   delta.OpCopy,
			Offset: int64(binary.BigEndian.Uint64(payload[1:9])),
			Length: int64(binary.BigEndian.Uint64(payload[9:17])),
		}, nil

	case delta.OpLiteral:
		if len(payload) < 13 {
			return delta.Op{}, errkind.Errorf(errkind.ProtocolViolation, "", "literal op payload of %d bytes", len(payload))
		}
		sum := binary.BigEndian.Uint64(payload[1:9])
		rawLen := binary.BigEndian.Uint32(payload[9:13])
		raw, err := codec.Decompress(payload[13:])
		if err != nil {
			return delta.Op{}, errkind.Wrap(errkind.ProtocolViolation, "", err)
		}
		if uint32(len(raw)) != rawLen || xxhash.Sum64(raw) != sum {
			return delta.Op{}, errkind.Errorf(errkind.ProtocolViolation, "", "literal op checksum mismatch")
		}
		return delta.Op{Kind: delta.OpLiteral, Literal: raw, Length: int64(len(raw))}, nil

	default:
		return delta.Op{}, errkind.Errorf(errkind.ProtocolViolation, "", "unknown delta op kind %d", payload[0])
	}
}
