package tensor

// Ring hands out byte buffers round-robin. A buffer comes back only after the n-1
// others, so with n = FramesPerInference+1 it can back a frame that waits in a
// FrameQueue of FramesPerInference frames.
type Ring struct {
	bufs [][]byte
	next int
}

func NewRing(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{bufs: make([][]byte, n)}
}

// Next returns the next buffer resized to size. It allocates only when that buffer
// is too small.
func (r *Ring) Next(size int) []byte {
	b := r.bufs[r.next]
	if cap(b) < size {
		b = make([]byte, size)
	}
	b = b[:size]
	r.bufs[r.next] = b
	r.next = (r.next + 1) % len(r.bufs)
	return b
}

func (r *Ring) Len() int { return len(r.bufs) }
