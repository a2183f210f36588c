package tensor

import (
	"errors"
	"fmt"

	iface "FaceTrackServer/interface"
)

var (
	ErrNotEnoughFrames   = errors.New("tensor: not enough queued frames")
	ErrPixelFormat       = errors.New("tensor: unexpected pixel format")
	ErrDimensionMismatch = errors.New("tensor: frame dimensions mismatch")
)

const scale = 1.0 / 255.0

// Packer writes queued frames into one reusable float buffer. The buffer returned by a
// Pack call is overwritten by the next call.
type Packer struct {
	width, height int
	buf           []float32
}

func NewPacker(width, height int) *Packer {
	return &Packer{width: width, height: height}
}

func (p *Packer) Size() (width, height int) {
	return p.width, p.height
}

// Shape is the NCHW shape produced for frames with the given channel count.
func (p *Packer) Shape(frameChannels int) []int64 {
	return []int64{1, int64(FramesPerInference * frameChannels), int64(p.height), int64(p.width)}
}

func (p *Packer) buffer(n int) []float32 {
	if cap(p.buf) < n {
		p.buf = make([]float32, n)
	}
	p.buf = p.buf[:n]
	return p.buf
}

func (p *Packer) validate(q *FrameQueue, channels int) ([]iface.Frame, error) {
	if q.Len() < FramesPerInference {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughFrames, q.Len(), FramesPerInference)
	}
	frames := q.Frames()[q.Len()-FramesPerInference:]
	for i, f := range frames {
		if f.Channels != channels {
			return nil, fmt.Errorf("%w: frame %d has %d channels, want %d", ErrPixelFormat, i, f.Channels, channels)
		}
		if f.Width != p.width || f.Height != p.height {
			return nil, fmt.Errorf("%w: frame %d is %dx%d, want %dx%d", ErrDimensionMismatch, i, f.Width, f.Height, p.width, p.height)
		}
		if len(f.Data) != p.width*p.height*channels {
			return nil, fmt.Errorf("%w: frame %d has %d bytes", ErrDimensionMismatch, i, len(f.Data))
		}
	}
	return frames, nil
}

// PackSingle stacks the newest four single-channel frames into [1, 4, H, W], oldest first.
func (p *Packer) PackSingle(q *FrameQueue) ([]float32, error) {
	frames, err := p.validate(q, 1)
	if err != nil {
		return nil, err
	}
	plane := p.width * p.height
	out := p.buffer(FramesPerInference * plane)
	for f, frame := range frames {
		dst := out[f*plane : (f+1)*plane]
		for i, b := range frame.Data {
			dst[i] = float32(b) * scale
		}
	}
	return out, nil
}

// PackDual stacks the newest four two-channel frames into [1, 8, H, W]. For frame f,
// plane 2f holds pixel byte 1 and plane 2f+1 holds pixel byte 0.
func (p *Packer) PackDual(q *FrameQueue) ([]float32, error) {
	frames, err := p.validate(q, 2)
	if err != nil {
		return nil, err
	}
	plane := p.width * p.height
	out := p.buffer(2 * FramesPerInference * plane)
	for f, frame := range frames {
		first := out[2*f*plane : (2*f+1)*plane]
		second := out[(2*f+1)*plane : (2*f+2)*plane]
		data := frame.Data
		for i := 0; i < plane; i++ {
			first[i] = float32(data[2*i+1]) * scale
			second[i] = float32(data[2*i]) * scale
		}
	}
	return out, nil
}

// MergeDual interleaves two single-channel frames of equal size into one two-channel
// frame: byte 0 of each pixel from left, byte 1 from right.
func MergeDual(left, right iface.Frame) (iface.Frame, error) {
	return MergeDualInto(nil, left, right)
}

// MergeDualInto is MergeDual writing into dst when it has room for the merged frame.
func MergeDualInto(dst []byte, left, right iface.Frame) (iface.Frame, error) {
	if left.Channels != 1 || right.Channels != 1 {
		return iface.Frame{}, fmt.Errorf("%w: merge needs single-channel frames", ErrPixelFormat)
	}
	if left.Width != right.Width || left.Height != right.Height {
		return iface.Frame{}, fmt.Errorf("%w: left %dx%d right %dx%d", ErrDimensionMismatch,
			left.Width, left.Height, right.Width, right.Height)
	}
	n := left.Width * left.Height
	if len(left.Data) != n || len(right.Data) != n {
		return iface.Frame{}, fmt.Errorf("%w: short frame data", ErrDimensionMismatch)
	}
	data := grow(dst, 2*n)
	for i := 0; i < n; i++ {
		data[2*i] = left.Data[i]
		data[2*i+1] = right.Data[i]
	}
	ts := left.Timestamp
	if right.Timestamp.After(ts) {
		ts = right.Timestamp
	}
	return iface.Frame{
		Seq:       max(left.Seq, right.Seq),
		Timestamp: ts,
		Width:     left.Width,
		Height:    left.Height,
		Channels:  2,
		Data:      data,
	}, nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// SplitStereo cuts a side-by-side frame into its left and right halves. An odd column
// count drops the last column.
func SplitStereo(f iface.Frame) (left, right iface.Frame, err error) {
	return SplitStereoInto(nil, nil, f)
}

// SplitStereoInto is SplitStereo writing the halves into l and r when they have room.
func SplitStereoInto(l, r []byte, f iface.Frame) (left, right iface.Frame, err error) {
	if f.Empty() || f.Width < 2 {
		return iface.Frame{}, iface.Frame{}, fmt.Errorf("%w: frame too small to split", ErrDimensionMismatch)
	}
	if len(f.Data) != f.Width*f.Height*f.Channels {
		return iface.Frame{}, iface.Frame{}, fmt.Errorf("%w: short frame data", ErrDimensionMismatch)
	}
	half := f.Width / 2
	rowBytes := f.Width * f.Channels
	halfBytes := half * f.Channels
	l = grow(l, halfBytes*f.Height)
	r = grow(r, halfBytes*f.Height)
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*rowBytes : (y+1)*rowBytes]
		copy(l[y*halfBytes:], row[:halfBytes])
		copy(r[y*halfBytes:], row[halfBytes:2*halfBytes])
	}
	left = iface.Frame{Seq: f.Seq, Timestamp: f.Timestamp, Width: half, Height: f.Height, Channels: f.Channels, Data: l}
	right = iface.Frame{Seq: f.Seq, Timestamp: f.Timestamp, Width: half, Height: f.Height, Channels: f.Channels, Data: r}
	return left, right, nil
}
