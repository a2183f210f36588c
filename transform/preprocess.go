// Package transform turns a captured frame into a model-sized grayscale frame: ROI crop,
// rotation, flip, resize and optional histogram equalization, all with gocv.
package transform

import (
	"errors"
	"fmt"
	"image"
	"math"

	iface "FaceTrackServer/interface"
	"FaceTrackServer/tensor"

	"gocv.io/x/gocv"
)

var ErrUnsupportedFrame = errors.New("transform: unsupported frame")

// Preprocessor keeps its intermediate Mats between calls. One instance per camera slot;
// not safe for concurrent use. Output data lives in a ring of FramesPerInference+1
// buffers, so a frame stays valid while it waits in a FrameQueue.
type Preprocessor struct {
	width, height int
	out           *tensor.Ring

	gray      gocv.Mat
	crop      gocv.Mat
	rotated   gocv.Mat
	flipped   gocv.Mat
	resized   gocv.Mat
	equalized gocv.Mat
}

func New(width, height int) *Preprocessor {
	return &Preprocessor{
		width:     width,
		height:    height,
		out:       tensor.NewRing(tensor.FramesPerInference + 1),
		gray:      gocv.NewMat(),
		crop:      gocv.NewMat(),
		rotated:   gocv.NewMat(),
		flipped:   gocv.NewMat(),
		resized:   gocv.NewMat(),
		equalized: gocv.NewMat(),
	}
}

func (p *Preprocessor) Size() (width, height int) {
	return p.width, p.height
}

func matType(channels int) (gocv.MatType, bool) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, true
	case 3:
		return gocv.MatTypeCV8UC3, true
	case 4:
		return gocv.MatTypeCV8UC4, true
	}
	return 0, false
}

// ClampROI intersects roi with the frame bounds. An empty roi selects the whole frame.
func ClampROI(roi iface.ROI, width, height int) image.Rectangle {
	bounds := image.Rect(0, 0, width, height)
	if roi.Empty() {
		return bounds
	}
	return roi.Rect().Intersect(bounds)
}

// FlipCode maps the camera flags onto cv::flip codes; ok is false when no flip is needed.
func FlipCode(flipX, flipY bool) (code int, ok bool) {
	switch {
	case flipX && flipY:
		return -1, true
	case flipX:
		return 1, true
	case flipY:
		return 0, true
	}
	return 0, false
}

// Apply returns a single-channel frame of the preprocessor's size. The input frame is not modified.
func (p *Preprocessor) Apply(f iface.Frame, cs iface.CameraSettings) (iface.Frame, error) {
	if f.Empty() {
		return iface.Frame{}, fmt.Errorf("%w: empty frame", ErrUnsupportedFrame)
	}
	mt, ok := matType(f.Channels)
	if !ok {
		return iface.Frame{}, fmt.Errorf("%w: %d channels", ErrUnsupportedFrame, f.Channels)
	}
	src, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("wrap frame: %w", err)
	}
	defer src.Close()

	switch f.Channels {
	case 1:
		src.CopyTo(&p.gray)
	case 3:
		gocv.CvtColor(src, &p.gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(src, &p.gray, gocv.ColorBGRAToGray)
	}
	cur := &p.gray

	rect := ClampROI(cs.ROI, f.Width, f.Height)
	if rect.Empty() {
		return iface.Frame{}, fmt.Errorf("%w: roi %v outside %dx%d frame", ErrUnsupportedFrame, cs.ROI, f.Width, f.Height)
	}
	if rect != image.Rect(0, 0, f.Width, f.Height) {
		region := cur.Region(rect)
		region.CopyTo(&p.crop)
		region.Close()
		cur = &p.crop
	}

	if deg := math.Mod(cs.RotationDegrees, 360); deg != 0 {
		size := image.Pt(cur.Cols(), cur.Rows())
		m := gocv.GetRotationMatrix2D(image.Pt(size.X/2, size.Y/2), deg, 1.0)
		gocv.WarpAffine(*cur, &p.rotated, m, size)
		m.Close()
		cur = &p.rotated
	}

	if code, ok := FlipCode(cs.FlipX, cs.FlipY); ok {
		gocv.Flip(*cur, &p.flipped, code)
		cur = &p.flipped
	}

	gocv.Resize(*cur, &p.resized, image.Pt(p.width, p.height), 0, 0, gocv.InterpolationLinear)
	cur = &p.resized

	if cs.Equalize {
		gocv.EqualizeHist(*cur, &p.equalized)
		cur = &p.equalized
	}

	pixels, err := cur.DataPtrUint8()
	if err != nil {
		return iface.Frame{}, fmt.Errorf("read resized frame: %w", err)
	}
	data := p.out.Next(len(pixels))
	copy(data, pixels)
	return iface.Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     p.width,
		Height:    p.height,
		Channels:  1,
		Data:      data,
	}, nil
}

func (p *Preprocessor) Close() error {
	return errors.Join(
		p.gray.Close(),
		p.crop.Close(),
		p.rotated.Close(),
		p.flipped.Close(),
		p.resized.Close(),
		p.equalized.Close(),
	)
}
