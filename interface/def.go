package iface

import (
	"fmt"
	"image"
	"time"
)

type Camera int

const (
	CameraLeft Camera = iota
	CameraRight
	CameraFace
)

func (c Camera) String() string {
	switch c {
	case CameraLeft:
		return "left"
	case CameraRight:
		return "right"
	case CameraFace:
		return "face"
	default:
		return fmt.Sprintf("camera(%d)", int(c))
	}
}

// ROI is a crop rectangle in source frame pixels. A zero-sized ROI means the full frame.
type ROI struct {
	X, Y          int
	Width, Height int
}

func (r ROI) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// CameraSettings is read-only to the pipeline; the settings layer owns it.
type CameraSettings struct {
	Camera          Camera
	ROI             ROI
	RotationDegrees float64
	FlipX           bool
	FlipY           bool
	Equalize        bool
}

// Frame is one captured image buffer. Data is row-major, Channels bytes per pixel.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Data      []byte
}

func (f Frame) Empty() bool {
	return len(f.Data) == 0 || f.Width <= 0 || f.Height <= 0
}

// Expressions is the per-tick pipeline output. A nil slice means that pipeline produced
// nothing this tick.
type Expressions struct {
	Face []float32
	Eye  []float32
}

func (e Expressions) Empty() bool {
	return e.Face == nil && e.Eye == nil
}

type EngineConfig struct {
	UseGPU      bool
	ModelPath   string
	ModelName   string
	InputName   string
	OutputName  string
	InputShape  []int64
	Accelerator string
}
