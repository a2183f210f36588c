package iface

import "context"

// Backend runs a loaded model. Run is synchronous and callers serialize access.
type Backend interface {
	Setup(modelPath string, useGPU bool) error
	Run(input []float32) ([]float32, error)
	InputSize() (width, height int)
	Destroy()
	CheckConfig() EngineConfig
}

// Capture is a video source with a single-slot latest frame buffer.
type Capture interface {
	Name() string
	Source() string
	StartCapture(ctx context.Context) error
	// StopCapture returns false when the source was not running.
	StopCapture() bool
	LatestFrame() (Frame, bool)
	IsReady() bool
}

// Smoother filters a fixed-size vector across calls.
type Smoother interface {
	Filter(input []float32) []float32
}
