package delta

// Rolling checksum after librsync's weak sum: two 16-bit part sums that can
// be advanced one byte at a time. The offset constant keeps runs of zero
// bytes from collapsing to a zero sum.
const charOffset = 31

type rollSum struct {
	a uint32
	b uint32
	n uint32
}

// init computes the sum over an initial window.
func (r *rollSum) init(p []byte) {
	r.a, r.b = 0, 0
	r.n = uint32(len(p))
	for i, c := range p {
		r.a += uint32(c) + charOffset
		r.b += (r.n - uint32(i)) * (uint32(c) + charOffset)
	}
}

// roll advances the window by one byte: out leaves, in enters.
func (r *rollSum) roll(out, in byte) {
	r.a += uint32(in) - uint32(out)
	r.b += r.a - r.n*(uint32(out)+charOffset)
}

func (r *rollSum) sum() uint32 {
	return (r.a & 0xffff) | (r.b << 16)
}

// weakSum is the one-shot form, used for signature blocks and short tails.
func weakSum(p []byte) uint32 {
	var r rollSum
	r.init(p)
	return r.sum()
}
