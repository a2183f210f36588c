package tensor

import (
	"testing"

	iface "FaceTrackServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayFrame(seq uint64, w, h int, fill byte) iface.Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = fill
	}
	return iface.Frame{Seq: seq, Width: w, Height: h, Channels: 1, Data: data}
}

func TestFrameQueue_EvictsOldest(t *testing.T) {
	q := NewFrameQueue(4)
	for i := 1; i <= 6; i++ {
		q.Push(grayFrame(uint64(i), 1, 1, 0))
	}
	require.Equal(t, 4, q.Len())
	var seqs []uint64
	for _, f := range q.Frames() {
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5, 6}, seqs)

	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 4, q.Cap())
	assert.Equal(t, FramesPerInference, NewFrameQueue(0).Cap())
}

func TestPackSingle_RejectsShortQueue(t *testing.T) {
	p := NewPacker(2, 2)
	q := NewFrameQueue(4)
	for i := 0; i < 3; i++ {
		q.Push(grayFrame(uint64(i), 2, 2, 10))
		_, err := p.PackSingle(q)
		assert.ErrorIs(t, err, ErrNotEnoughFrames)
	}
}

func TestPackSingle_Layout(t *testing.T) {
	p := NewPacker(2, 1)
	q := NewFrameQueue(4)
	for i, v := range []byte{0, 51, 102, 255} {
		q.Push(grayFrame(uint64(i), 2, 1, v))
	}
	out, err := p.PackSingle(q)
	require.NoError(t, err)
	require.Len(t, out, 8)
	assert.InDeltaSlice(t, []float32{0, 0, 0.2, 0.2, 0.4, 0.4, 1, 1}, out, 1e-6)
	assert.Equal(t, []int64{1, 4, 1, 2}, p.Shape(1))

	w, h := p.Size()
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
}

func TestPackSingle_ReusesBuffer(t *testing.T) {
	p := NewPacker(1, 1)
	q := NewFrameQueue(4)
	for i := 0; i < 4; i++ {
		q.Push(grayFrame(uint64(i), 1, 1, 255))
	}
	a, err := p.PackSingle(q)
	require.NoError(t, err)
	q.Push(grayFrame(5, 1, 1, 0))
	b, err := p.PackSingle(q)
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
	assert.Equal(t, float32(0), b[3])
}

func TestPack_Validation(t *testing.T) {
	t.Run("pixel format", func(t *testing.T) {
		p := NewPacker(2, 2)
		q := NewFrameQueue(4)
		for i := 0; i < 4; i++ {
			q.Push(grayFrame(uint64(i), 2, 2, 1))
		}
		_, err := p.PackDual(q)
		assert.ErrorIs(t, err, ErrPixelFormat)
	})
	t.Run("dimensions", func(t *testing.T) {
		p := NewPacker(2, 2)
		q := NewFrameQueue(4)
		for i := 0; i < 3; i++ {
			q.Push(grayFrame(uint64(i), 2, 2, 1))
		}
		q.Push(grayFrame(4, 3, 2, 1))
		_, err := p.PackSingle(q)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestPackDual_ChannelSwap(t *testing.T) {
	p := NewPacker(1, 1)
	q := NewFrameQueue(4)
	for i := 0; i < 4; i++ {
		left := grayFrame(uint64(i), 1, 1, 51)
		right := grayFrame(uint64(i), 1, 1, 255)
		merged, err := MergeDual(left, right)
		require.NoError(t, err)
		assert.Equal(t, []byte{51, 255}, merged.Data)
		q.Push(merged)
	}
	out, err := p.PackDual(q)
	require.NoError(t, err)
	require.Len(t, out, 8)
	for f := 0; f < 4; f++ {
		assert.InDelta(t, 1.0, out[2*f], 1e-6, "plane %d holds byte 1", 2*f)
		assert.InDelta(t, 0.2, out[2*f+1], 1e-6, "plane %d holds byte 0", 2*f+1)
	}
	assert.Equal(t, []int64{1, 8, 1, 1}, p.Shape(2))
}

func TestMergeDual_Errors(t *testing.T) {
	_, err := MergeDual(grayFrame(0, 2, 2, 0), grayFrame(0, 3, 2, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	two := iface.Frame{Width: 1, Height: 1, Channels: 2, Data: []byte{1, 2}}
	_, err = MergeDual(two, grayFrame(0, 1, 1, 0))
	assert.ErrorIs(t, err, ErrPixelFormat)
}

func TestSplitStereo(t *testing.T) {
	f := iface.Frame{
		Seq: 9, Width: 5, Height: 2, Channels: 1,
		Data: []byte{
			1, 2, 3, 4, 5,
			6, 7, 8, 9, 10,
		},
	}
	l, r, err := SplitStereo(f)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Width)
	assert.Equal(t, []byte{1, 2, 6, 7}, l.Data)
	assert.Equal(t, []byte{3, 4, 8, 9}, r.Data)
	assert.Equal(t, uint64(9), r.Seq)

	_, _, err = SplitStereo(iface.Frame{Width: 1, Height: 1, Channels: 1, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSplitStereoInto_ReusesHalves(t *testing.T) {
	l, r := make([]byte, 0, 8), make([]byte, 0, 8)
	f := iface.Frame{Width: 4, Height: 1, Channels: 1, Data: []byte{1, 2, 3, 4}}
	left, right, err := SplitStereoInto(l, r, f)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, left.Data)
	assert.Equal(t, []byte{3, 4}, right.Data)
	assert.Same(t, &l[:1][0], &left.Data[0])
	assert.Same(t, &r[:1][0], &right.Data[0])
}

func TestMergeDualInto_ReusesBuffer(t *testing.T) {
	dst := make([]byte, 2)
	merged, err := MergeDualInto(dst, grayFrame(1, 1, 1, 10), grayFrame(2, 1, 1, 20))
	require.NoError(t, err)
	assert.Same(t, &dst[0], &merged.Data[0])
	assert.Equal(t, []byte{10, 20}, merged.Data)
	assert.Equal(t, uint64(2), merged.Seq)

	small := make([]byte, 1)
	merged, err = MergeDualInto(small, grayFrame(1, 1, 1, 10), grayFrame(1, 1, 1, 20))
	require.NoError(t, err)
	assert.Len(t, merged.Data, 2)
	assert.NotSame(t, &small[0], &merged.Data[0])
}

func TestRing_QueuedFramesSurviveReuse(t *testing.T) {
	ring := NewRing(FramesPerInference + 1)
	q := NewFrameQueue(FramesPerInference)
	var first []byte
	for i := 0; i < 20; i++ {
		buf := ring.Next(2)
		if i == 0 {
			first = buf
		}
		merged, err := MergeDualInto(buf, grayFrame(uint64(i), 1, 1, byte(i)), grayFrame(uint64(i), 1, 1, byte(i)))
		require.NoError(t, err)
		q.Push(merged)
		for j, f := range q.Frames() {
			want := byte(i - q.Len() + 1 + j)
			assert.Equal(t, []byte{want, want}, f.Data, "tick %d slot %d", i, j)
		}
	}
	assert.Same(t, &first[0], &ring.Next(2)[0], "buffers are handed out again")
}
