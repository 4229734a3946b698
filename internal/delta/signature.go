// Package delta implements rsync-style delta transfer: a reference file is
// split into fixed-size content-addressed chunks, and a source file is
// encoded as a stream of copy/literal instructions against those chunks.
package delta

import (
	"io"
	"math"

	"github.com/zeebo/blake3"

	"github.com/loonghao/eacopy/internal/errkind"
)

const (
	// MinBlockSize and MaxBlockSize clamp ChooseBlockSize.
	MinBlockSize = 512
	MaxBlockSize = 128 * 1024
)

// Chunk describes one fixed-size block of the reference file. Chunks are
// produced in file order, non-overlapping, and cover the entire file; only
// the final chunk may be shorter than the block size.
type Chunk struct {
	Index  int
	Offset int64
	Length int
	Weak   uint32
	Strong [32]byte
}

// Signature is the chunk-level summary of a reference file.
type Signature struct {
	Blocks    []Chunk
	BlockSize int
	FileSize  int64
}

// ChooseBlockSize selects a block size for a file of the given length:
// sqrt(fileSize) clamped to [MinBlockSize, MaxBlockSize].
func ChooseBlockSize(fileSize int64) int {
	bs := int(math.Sqrt(float64(fileSize)))
	if bs < MinBlockSize {
		return MinBlockSize
	}
	if bs > MaxBlockSize {
		return MaxBlockSize
	}
	return bs
}

// ComputeSignature splits r into blockSize chunks and hashes each one.
// The result is a pure function of (content, blockSize): the same input
// always yields the same chunk boundaries and hashes. An empty stream
// yields a signature with no blocks.
func ComputeSignature(r io.Reader, blockSize int) (Signature, error) {
	if blockSize <= 0 {
		blockSize = MinBlockSize
	}
	sig := Signature{BlockSize: blockSize}

	buf := make([]byte, blockSize)
	var offset int64
	idx := 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sig.Blocks = append(sig.Blocks, Chunk{
				Index:  idx,
				Offset: offset,
				Length: n,
				Weak:   weakSum(block),
				Strong: blake3.Sum256(block),
			})
			offset += int64(n)
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Signature{}, errkind.Wrap(errkind.IoError, "", err)
		}
	}

	sig.FileSize = offset
	return sig, nil
}
