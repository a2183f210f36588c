package engine

import (
	"errors"
	"fmt"
	"time"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

var (
	ErrNotLoaded     = errors.New("engine: model not loaded")
	ErrNoProvider    = errors.New("engine: no execution provider could open the model")
	ErrModelNotFound = errors.New("engine: model file not found")
	ErrInputSize     = errors.New("engine: input size mismatch")
	ErrModelShape    = errors.New("engine: unsupported model input shape")
)

// Provider is an onnxruntime execution provider.
type Provider int

const (
	ProviderCPU Provider = iota
	ProviderCoreMLMobile
	ProviderDirectML
	ProviderCoreML
	ProviderCUDA
	ProviderOpenVINO
)

func (p Provider) String() string {
	switch p {
	case ProviderCPU:
		return "CPU"
	case ProviderCoreMLMobile:
		return "CoreML-ANE"
	case ProviderDirectML:
		return "DirectML"
	case ProviderCoreML:
		return "CoreML"
	case ProviderCUDA:
		return "CUDA"
	case ProviderOpenVINO:
		return "OpenVINO"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

// ModelInfo is the input/output metadata read from the model file.
type ModelInfo struct {
	InputName  string
	OutputName string
	InputShape []int64
}

// Size returns the spatial input size of an NCHW model.
func (m ModelInfo) Size() (width, height int, err error) {
	if len(m.InputShape) != 4 {
		return 0, 0, fmt.Errorf("%w: %v", ErrModelShape, m.InputShape)
	}
	h, w := m.InputShape[2], m.InputShape[3]
	if h <= 0 || w <= 0 {
		return 0, 0, fmt.Errorf("%w: dynamic spatial dims %v", ErrModelShape, m.InputShape)
	}
	return int(w), int(h), nil
}

// Elements is the flat input length with a dynamic batch treated as 1.
func (m ModelInfo) Elements() int {
	n := 1
	for _, d := range m.InputShape {
		if d > 0 {
			n *= int(d)
		}
	}
	return n
}

// PlatformSettings is everything one camera slot's loaded model owns. It is replaced
// wholesale on every Setup.
type PlatformSettings struct {
	ModelName   string
	ModelPath   string
	InputName   string
	OutputName  string
	InputShape  []int64
	Width       int
	Height      int
	Provider    Provider
	Session     Session
	LastFrame   time.Time
	LastLatency time.Duration
}

func (p *PlatformSettings) LatencyMs() float64 {
	return float64(p.LastLatency.Microseconds()) / 1000
}
