package delta

import (
	"io"

	"github.com/zeebo/blake3"

	"github.com/loonghao/eacopy/internal/errkind"
)

// OpKind distinguishes the two delta instructions.
type OpKind byte

const (
	// OpCopy copies Length bytes from Offset in the reference file.
	OpCopy OpKind = iota
	// OpLiteral inserts the Literal bytes verbatim.
	OpLiteral
)

// Op is a single instruction for reconstructing the source file. An ordered
// sequence of Ops replayed against the reference file yields the source
// exactly.
type Op struct {
	Literal []byte
	Offset  int64
	Length  int64
	Kind    OpKind
}

// Encode reads the source stream and matches it against the reference
// signature, producing the instruction stream. Matching is greedy and
// leftmost at block granularity: a rolling weak checksum slides over the
// source one byte at a time; a weak hit is confirmed with the strong hash
// before a copy instruction is emitted. Unmatched bytes accumulate into
// literal runs, flushed on each match and at end of input. A source with no
// reference similarity degenerates to a single literal covering the file.
func Encode(src io.Reader, sig Signature) ([]Op, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, errkind.Wrap(errkind.IoError, "", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if len(sig.Blocks) == 0 {
		return []Op{{Kind: OpLiteral, Length: int64(len(data)), Literal: data}}, nil
	}

	table := make(map[uint32][]Chunk, len(sig.Blocks))
	for _, b := range sig.Blocks {
		table[b.Weak] = append(table[b.Weak], b)
	}

	// The final reference chunk may be shorter than BlockSize; it can only
	// match a source tail of exactly its own length.
	tailLen := sig.Blocks[len(sig.Blocks)-1].Length

	var (
		ops      []Op
		litStart = 0
		bs       = sig.BlockSize
		roll     rollSum
		rolled   bool
	)

	flush := func(end int) {
		if end > litStart {
			lit := make([]byte, end-litStart)
			copy(lit, data[litStart:end])
			ops = append(ops, Op{Kind: OpLiteral, Length: int64(len(lit)), Literal: lit})
		}
	}

	i := 0
	for i < len(data) {
		w := bs
		if i+w > len(data) {
			w = len(data) - i
		}

		var weak uint32
		switch {
		case w == bs:
			if !rolled {
				roll.init(data[i : i+w])
				rolled = true
			}
			weak = roll.sum()
		case w == tailLen && tailLen < bs && i+w == len(data):
			// Short tail: one-shot sum against the reference tail block.
			weak = weakSum(data[i : i+w])
		default:
			// Window narrower than any matchable block.
			i++
			rolled = false
			continue
		}

		if c, ok := match(table, weak, data[i:i+w]); ok {
			flush(i)
			ops = append(ops, Op{Kind: OpCopy, Offset: c.Offset, Length: int64(c.Length)})
			i += w
			litStart = i
			rolled = false
			continue
		}

		// No match: the leading byte becomes pending literal.
		if w == bs && i+bs < len(data) {
			roll.roll(data[i], data[i+bs])
		} else {
			rolled = false
		}
		i++
	}

	flush(len(data))
	return ops, nil
}

func match(table map[uint32][]Chunk, weak uint32, window []byte) (Chunk, bool) {
	candidates, ok := table[weak]
	if !ok {
		return Chunk{}, false
	}
	strong := blake3.Sum256(window)
	for _, c := range candidates {
		if c.Length == len(window) && c.Strong == strong {
			return c, true
		}
	}
	return Chunk{}, false
}

// Apply replays an instruction stream against the reference file, writing
// the reconstructed source to dst. Copy instructions that reach outside the
// reference file fail with CorruptDeltaStream.
func Apply(ref io.ReadSeeker, ops []Op, dst io.Writer) error {
	refSize, err := ref.Seek(0, io.SeekEnd)
	if err != nil {
		return errkind.Wrap(errkind.IoError, "", err)
	}

	for _, op := range ops {
		switch op.Kind {
		case OpCopy:
			if op.Offset < 0 || op.Length < 0 || op.Offset+op.Length > refSize {
				return errkind.Errorf(errkind.CorruptDeltaStream, "",
					"copy [%d,%d) outside reference of %d bytes", op.Offset, op.Offset+op.Length, refSize)
			}
			if _, err := ref.Seek(op.Offset, io.SeekStart); err != nil {
				return errkind.Wrap(errkind.IoError, "", err)
			}
			if _, err := io.CopyN(dst, ref, op.Length); err != nil {
				return errkind.Wrap(errkind.IoError, "", err)
			}
		case OpLiteral:
			if _, err := dst.Write(op.Literal); err != nil {
				return errkind.Wrap(errkind.IoError, "", err)
			}
		default:
			return errkind.Errorf(errkind.CorruptDeltaStream, "", "unknown op kind %d", op.Kind)
		}
	}
	return nil
}

// Stats returns the number of copy instructions and total literal bytes in
// an instruction stream.
func Stats(ops []Op) (copies int, literalBytes int64) {
	for _, op := range ops {
		if op.Kind == OpCopy {
			copies++
		} else {
			literalBytes += op.Length
		}
	}
	return copies, literalBytes
}
