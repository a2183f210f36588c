package transform

import (
	"bytes"
	"image"
	"testing"

	iface "FaceTrackServer/interface"
	"FaceTrackServer/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampROI(t *testing.T) {
	tests := []struct {
		name string
		roi  iface.ROI
		want image.Rectangle
	}{
		{"empty is full frame", iface.ROI{}, image.Rect(0, 0, 10, 8)},
		{"inside", iface.ROI{X: 2, Y: 1, Width: 4, Height: 3}, image.Rect(2, 1, 6, 4)},
		{"overhang", iface.ROI{X: 8, Y: 6, Width: 5, Height: 5}, image.Rect(8, 6, 10, 8)},
		{"outside", iface.ROI{X: 20, Y: 20, Width: 2, Height: 2}, image.Rectangle{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampROI(tt.roi, 10, 8)
			if tt.want.Empty() {
				assert.True(t, got.Empty())
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlipCode(t *testing.T) {
	_, ok := FlipCode(false, false)
	assert.False(t, ok)
	code, _ := FlipCode(true, false)
	assert.Equal(t, 1, code)
	code, _ = FlipCode(false, true)
	assert.Equal(t, 0, code)
	code, _ = FlipCode(true, true)
	assert.Equal(t, -1, code)
}

func TestPreprocessor_CropAndResize(t *testing.T) {
	p := New(2, 2)
	defer p.Close()

	data := make([]byte, 4*4)
	for i := range data {
		data[i] = 100
	}
	out, err := p.Apply(iface.Frame{Seq: 3, Width: 4, Height: 4, Channels: 1, Data: data},
		iface.CameraSettings{ROI: iface.ROI{X: 1, Y: 1, Width: 2, Height: 2}})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.Seq)
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, bytes.Repeat([]byte{100}, 4), out.Data)
}

func TestPreprocessor_ColorToGray(t *testing.T) {
	p := New(2, 2)
	defer p.Close()

	data := bytes.Repeat([]byte{100}, 2*2*3)
	out, err := p.Apply(iface.Frame{Width: 2, Height: 2, Channels: 3, Data: data}, iface.CameraSettings{})
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{100}, 4), out.Data)
}

func TestPreprocessor_Flip(t *testing.T) {
	p := New(2, 1)
	defer p.Close()

	out, err := p.Apply(iface.Frame{Width: 2, Height: 1, Channels: 1, Data: []byte{10, 200}},
		iface.CameraSettings{FlipX: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{200, 10}, out.Data)
}

func TestPreprocessor_Rejects(t *testing.T) {
	p := New(2, 2)
	defer p.Close()

	_, err := p.Apply(iface.Frame{}, iface.CameraSettings{})
	assert.ErrorIs(t, err, ErrUnsupportedFrame)

	_, err = p.Apply(iface.Frame{Width: 1, Height: 1, Channels: 2, Data: []byte{1, 2}}, iface.CameraSettings{})
	assert.ErrorIs(t, err, ErrUnsupportedFrame)

	_, err = p.Apply(iface.Frame{Width: 2, Height: 2, Channels: 1, Data: []byte{1, 2, 3, 4}},
		iface.CameraSettings{ROI: iface.ROI{X: 5, Y: 5, Width: 1, Height: 1}})
	assert.ErrorIs(t, err, ErrUnsupportedFrame)
}

func TestPreprocessor_OutputStaysValidWhileQueued(t *testing.T) {
	p := New(2, 1)
	defer p.Close()

	var outs []iface.Frame
	for i := 0; i <= tensor.FramesPerInference; i++ {
		out, err := p.Apply(iface.Frame{Width: 2, Height: 1, Channels: 1, Data: []byte{byte(i), byte(i)}}, iface.CameraSettings{})
		require.NoError(t, err)
		outs = append(outs, out)
	}
	for i, out := range outs {
		assert.Equal(t, []byte{byte(i), byte(i)}, out.Data, "output %d", i)
	}

	next, err := p.Apply(iface.Frame{Width: 2, Height: 1, Channels: 1, Data: []byte{9, 9}}, iface.CameraSettings{})
	require.NoError(t, err)
	assert.Same(t, &outs[0].Data[0], &next.Data[0], "oldest buffer is reused")
	assert.Equal(t, []byte{9, 9}, outs[0].Data)
}
