package engine

import (
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Session is one opened model. Run is not safe for concurrent use.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy() error
}

// Opener reads model metadata and opens sessions on a given provider.
type Opener interface {
	Inspect(modelPath string) (ModelInfo, error)
	Open(modelPath string, info ModelInfo, p Provider) (Session, error)
}

var envMu sync.Mutex

// InitRuntime points onnxruntime_go at the shared library and initializes the
// environment once per process. An empty libPath keeps the library default.
func InitRuntime(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ORTOpener opens sessions with onnxruntime_go.
type ORTOpener struct {
	LibraryPath string
}

func (o ORTOpener) Inspect(modelPath string) (ModelInfo, error) {
	if err := InitRuntime(o.LibraryPath); err != nil {
		return ModelInfo{}, err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return ModelInfo{}, fmt.Errorf("%w: %d inputs, %d outputs", ErrModelShape, len(inputs), len(outputs))
	}
	return ModelInfo{
		InputName:  inputs[0].Name,
		OutputName: outputs[0].Name,
		InputShape: slices.Clone([]int64(inputs[0].Dimensions)),
	}, nil
}

// sessionOptions applies the configuration shared by every provider attempt.
func sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	for _, set := range []func() error{
		func() error { return opts.SetIntraOpNumThreads(1) },
		func() error { return opts.SetInterOpNumThreads(1) },
		func() error { return opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll) },
		func() error { return opts.SetMemPattern(true) },
	} {
		if err := set(); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("session options: %w", err)
		}
	}
	return opts, nil
}

const coreMLOnlyWithANE = 0x004

func appendProvider(opts *ort.SessionOptions, p Provider) error {
	switch p {
	case ProviderCPU:
		return nil
	case ProviderCoreMLMobile:
		return opts.AppendExecutionProviderCoreML(coreMLOnlyWithANE)
	case ProviderCoreML:
		return opts.AppendExecutionProviderCoreML(0)
	case ProviderDirectML:
		return opts.AppendExecutionProviderDirectML(0)
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return err
		}
		return opts.AppendExecutionProviderCUDA(cuda)
	case ProviderOpenVINO:
		return opts.AppendExecutionProviderOpenVINO(map[string]string{"device_type": "GPU"})
	}
	return fmt.Errorf("unknown provider %v", p)
}

func (o ORTOpener) Open(modelPath string, info ModelInfo, p Provider) (Session, error) {
	if err := InitRuntime(o.LibraryPath); err != nil {
		return nil, err
	}
	opts, err := sessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()
	if err := appendProvider(opts, p); err != nil {
		return nil, fmt.Errorf("%s provider: %w", p, err)
	}

	shape := slices.Clone(info.InputShape)
	for i, d := range shape {
		if d <= 0 {
			shape[i] = 1
		}
	}
	input, err := ort.NewTensor(ort.NewShape(shape...), make([]float32, info.Elements()))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	sess, err := ort.NewDynamicAdvancedSession(modelPath, []string{info.InputName}, []string{info.OutputName}, opts)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("session: %w", err)
	}
	return &ortSession{sess: sess, input: input}, nil
}

// ortSession keeps its input tensor between runs; Run copies into it.
type ortSession struct {
	sess  *ort.DynamicAdvancedSession
	input *ort.Tensor[float32]
}

func (s *ortSession) Run(input []float32) ([]float32, error) {
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(input), len(dst))
	}
	copy(dst, input)
	outputs := []ort.Value{nil}
	if err := s.sess.Run([]ort.Value{s.input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer outputs[0].Destroy()
	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	return slices.Clone(t.GetData()), nil
}

func (s *ortSession) Destroy() error {
	err := s.sess.Destroy()
	if ierr := s.input.Destroy(); err == nil {
		err = ierr
	}
	return err
}
