package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"FaceTrackServer/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	out       []float32
	runs      int
	panics    bool
	destroyed bool
}

func (s *fakeSession) Run(input []float32) ([]float32, error) {
	s.runs++
	if s.panics {
		panic("gpu lost")
	}
	return s.out, nil
}

func (s *fakeSession) Destroy() error {
	s.destroyed = true
	return nil
}

type fakeOpener struct {
	info    ModelInfo
	fail    map[Provider]bool
	tried   []Provider
	session *fakeSession
}

func (o *fakeOpener) Inspect(string) (ModelInfo, error) {
	return o.info, nil
}

func (o *fakeOpener) Open(_ string, _ ModelInfo, p Provider) (Session, error) {
	o.tried = append(o.tried, p)
	if o.fail[p] {
		return nil, errors.New("provider init failed")
	}
	return o.session, nil
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		info:    ModelInfo{InputName: "input", OutputName: "output", InputShape: []int64{1, 4, 2, 3}},
		fail:    map[Provider]bool{},
		session: &fakeSession{out: []float32{0.5, 0.25}},
	}
}

func writeModel(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("onnx"), 0o644))
	return p
}

func TestProviderOrder(t *testing.T) {
	tests := []struct {
		goos   string
		useGPU bool
		want   []Provider
	}{
		{"windows", true, []Provider{ProviderDirectML, ProviderCUDA, ProviderOpenVINO, ProviderCPU}},
		{"darwin", true, []Provider{ProviderCoreML, ProviderCUDA, ProviderOpenVINO, ProviderCPU}},
		{"linux", true, []Provider{ProviderCUDA, ProviderOpenVINO, ProviderCPU}},
		{"ios", true, []Provider{ProviderCoreMLMobile, ProviderCPU}},
		{"android", true, []Provider{ProviderCPU}},
		{"windows", false, []Provider{ProviderCPU}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			assert.Equal(t, tt.want, ProviderOrder(tt.goos, tt.useGPU))
		})
	}
}

func TestRunner_FallsThroughToCPU(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "face.onnx")
	op := newFakeOpener()
	op.fail[ProviderDirectML] = true
	op.fail[ProviderCUDA] = true
	op.fail[ProviderOpenVINO] = true

	r := NewRunner(RunnerConfig{Name: "face", BaseDir: dir, GOOS: "windows"}, op, nil, zap.NewNop())
	assert.Equal(t, REGISTERED, r.State)
	require.NoError(t, r.Setup("face.onnx", true))

	assert.Equal(t, []Provider{ProviderDirectML, ProviderCUDA, ProviderOpenVINO, ProviderCPU}, op.tried)
	assert.Equal(t, IDLE, r.State)
	cfg := r.CheckConfig()
	assert.Equal(t, "CPU", cfg.Accelerator)
	assert.Equal(t, "input", cfg.InputName)
	assert.Equal(t, "face.onnx", cfg.ModelName)
	assert.True(t, cfg.UseGPU)
	assert.Equal(t, 0, op.session.runs, "no warm-up on CPU")

	w, h := r.InputSize()
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)
}

func TestRunner_FirstAcceleratorWinsAndWarmsUp(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "eye.onnx")
	op := newFakeOpener()
	op.session.panics = true

	r := NewRunner(RunnerConfig{Name: "eye", BaseDir: dir, GOOS: "darwin"}, op, nil, zap.NewNop())
	require.NoError(t, r.Setup("eye.onnx", true))
	assert.Equal(t, []Provider{ProviderCoreML}, op.tried)
	assert.Equal(t, 3, op.session.runs)
	assert.Equal(t, ProviderCoreML, r.Platform().Provider)
}

func TestRunner_NoProvider(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "face.onnx")
	op := newFakeOpener()
	op.fail[ProviderCUDA] = true
	op.fail[ProviderOpenVINO] = true
	op.fail[ProviderCPU] = true

	r := NewRunner(RunnerConfig{Name: "face", BaseDir: dir, GOOS: "linux"}, op, nil, zap.NewNop())
	err := r.Setup("face.onnx", true)
	assert.ErrorIs(t, err, ErrNoProvider)
	_, err = r.Run(make([]float32, 24))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRunner_ModelFallback(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "default.onnx")
	store := settings.NewMemoryStore(map[string]any{"face.model": "missing.onnx"})
	op := newFakeOpener()

	r := NewRunner(RunnerConfig{Name: "face", BaseDir: dir, DefaultModel: "default.onnx", GOOS: "linux"}, op, store, zap.NewNop())
	require.NoError(t, r.Setup("missing.onnx", false))
	assert.Equal(t, "default.onnx", r.CheckConfig().ModelName)
	assert.Equal(t, filepath.Join(dir, "default.onnx"), r.CheckConfig().ModelPath)
	assert.Equal(t, "default.onnx", settings.String(store, settings.ModelKey("face"), ""))
}

func TestRunner_ModelMissingEverywhere(t *testing.T) {
	r := NewRunner(RunnerConfig{Name: "face", BaseDir: t.TempDir(), DefaultModel: "default.onnx"}, newFakeOpener(), nil, zap.NewNop())
	assert.ErrorIs(t, r.Setup("missing.onnx", false), ErrModelNotFound)

	r = NewRunner(RunnerConfig{Name: "face", BaseDir: t.TempDir()}, newFakeOpener(), nil, zap.NewNop())
	assert.ErrorIs(t, r.Setup("missing.onnx", false), ErrModelNotFound)
}

func TestRunner_AbsoluteModelPath(t *testing.T) {
	abs := writeModel(t, t.TempDir(), "abs.onnx")
	r := NewRunner(RunnerConfig{Name: "face", BaseDir: "/nonexistent"}, newFakeOpener(), nil, zap.NewNop())
	require.NoError(t, r.Setup(abs, false))
	assert.Equal(t, abs, r.CheckConfig().ModelPath)
}

func TestRunner_RunAndDestroy(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "face.onnx")
	op := newFakeOpener()
	r := NewRunner(RunnerConfig{Name: "face", BaseDir: dir}, op, nil, zap.NewNop())

	_, err := r.Run(nil)
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, r.Setup("face.onnx", false))
	_, err = r.Run(make([]float32, 5))
	assert.ErrorIs(t, err, ErrInputSize)

	out, err := r.Run(make([]float32, 24))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, out)
	assert.False(t, r.Platform().LastFrame.IsZero())
	assert.GreaterOrEqual(t, r.Platform().LatencyMs(), 0.0)
	assert.Equal(t, IDLE, r.State)

	r.Destroy()
	assert.True(t, op.session.destroyed)
	assert.Equal(t, UNREGISTERED, r.State)
	assert.Nil(t, r.Platform())
	w, h := r.InputSize()
	assert.Zero(t, w+h)
}

func TestModelInfo(t *testing.T) {
	_, _, err := ModelInfo{InputShape: []int64{1, 4, -1, -1}}.Size()
	assert.ErrorIs(t, err, ErrModelShape)
	_, _, err = ModelInfo{InputShape: []int64{1, 4}}.Size()
	assert.ErrorIs(t, err, ErrModelShape)
	assert.Equal(t, 8*64*64, ModelInfo{InputShape: []int64{-1, 8, 64, 64}}.Elements())
}

func TestSearchRuntimeLibrary(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "app", "lib")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	want := filepath.Join(libDir, "libonnxruntime.so.1.20.0")
	require.NoError(t, os.WriteFile(want, nil, 0o644))

	var tried []string
	got := searchDirs(ascend(filepath.Join(root, "app", "bin"), 4), "libonnxruntime.so", "libonnxruntime.so*", &tried)
	assert.Equal(t, want, got)
	assert.NotEmpty(t, tried)

	found, err := FindRuntimeLibrary(want)
	require.NoError(t, err)
	assert.Equal(t, want, found)

	name, err := RuntimeLibraryName("windows")
	require.NoError(t, err)
	assert.Equal(t, "onnxruntime.dll", name)
	_, err = RuntimeLibraryName("plan9")
	assert.Error(t, err)
}
