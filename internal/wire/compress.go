package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses individual chunk payloads. Compression
// is applied per-chunk rather than per-connection so a partially received
// file remains decodable. Level 0 is a passthrough; levels 1-9 map onto
// zstd levels.
type Codec struct {
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	level int
}

// NewCodec creates a codec for the given negotiated level (0-9).
func NewCodec(level int) (*Codec, error) {
	if level < 0 || level > 9 {
		return nil, fmt.Errorf("compression level %d out of range 0-9", level)
	}
	c := &Codec{level: level}
	if level == 0 {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	c.enc, c.dec = enc, dec
	return c, nil
}

// Level returns the negotiated compression level.
func (c *Codec) Level() int { return c.level }

// Compress returns the encoded form of src (src itself at level 0).
func (c *Codec) Compress(src []byte) []byte {
	if c.enc == nil {
		return src
	}
	return c.enc.EncodeAll(src, nil)
}

// Decompress reverses Compress.
func (c *Codec) Decompress(src []byte) ([]byte, error) {
	if c.dec == nil {
		return src, nil
	}
	return c.dec.DecodeAll(src, nil)
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
