package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	iface "FaceTrackServer/interface"
	"FaceTrackServer/settings"

	"go.uber.org/zap"
)

type RunnerConfig struct {
	// Name is the pipeline this runner serves, e.g. "face".
	Name         string
	BaseDir      string
	DefaultModel string
	// GOOS overrides runtime.GOOS for provider selection.
	GOOS string
}

// Runner owns one camera slot's model session. Setup and Run are not safe for
// concurrent use; the orchestrator only swaps in a runner after Setup returns.
type Runner struct {
	cfg    RunnerConfig
	opener Opener
	store  settings.Store
	log    *zap.Logger

	State    int
	useGPU   bool
	platform *PlatformSettings
}

var _ iface.Backend = (*Runner)(nil)

func NewRunner(cfg RunnerConfig, opener Opener, store settings.Store, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &Runner{
		cfg:    cfg,
		opener: opener,
		store:  store,
		log:    log.With(zap.String("pipeline", cfg.Name)),
		State:  REGISTERED,
	}
}

// ResolveModelPath returns name unchanged when absolute, otherwise joined to baseDir.
func ResolveModelPath(baseDir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(baseDir, name)
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// resolveModel falls back to the default model when modelPath is missing and records
// the fallback in the settings store.
func (r *Runner) resolveModel(modelPath string) (string, string, error) {
	if modelPath != "" {
		if p := ResolveModelPath(r.cfg.BaseDir, modelPath); fileExists(p) {
			return p, modelPath, nil
		}
	}
	if r.cfg.DefaultModel == "" {
		return "", "", fmt.Errorf("%w: %q", ErrModelNotFound, modelPath)
	}
	fallback := ResolveModelPath(r.cfg.BaseDir, r.cfg.DefaultModel)
	if !fileExists(fallback) {
		return "", "", fmt.Errorf("%w: %q and default %q", ErrModelNotFound, modelPath, fallback)
	}
	r.log.Warn("model not found, using default", zap.String("model", modelPath), zap.String("default", r.cfg.DefaultModel))
	if r.store != nil {
		if err := r.store.Set(settings.ModelKey(r.cfg.Name), r.cfg.DefaultModel); err != nil {
			r.log.Warn("persist default model", zap.Error(err))
		}
	}
	return fallback, r.cfg.DefaultModel, nil
}

// Setup loads modelPath, trying accelerators in ProviderOrder and falling back to CPU.
// Any previously loaded session is released first.
func (r *Runner) Setup(modelPath string, useGPU bool) error {
	r.Destroy()
	path, name, err := r.resolveModel(modelPath)
	if err != nil {
		return err
	}
	info, err := r.opener.Inspect(path)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", path, err)
	}
	w, h, err := info.Size()
	if err != nil {
		return err
	}

	var (
		sess     Session
		provider Provider
		errs     []error
	)
	for _, p := range ProviderOrder(r.cfg.GOOS, useGPU) {
		s, err := r.opener.Open(path, info, p)
		if err != nil {
			r.log.Warn("execution provider unavailable", zap.Stringer("provider", p), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		sess, provider = s, p
		break
	}
	if sess == nil {
		return fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
	}

	r.platform = &PlatformSettings{
		ModelName:  name,
		ModelPath:  path,
		InputName:  info.InputName,
		OutputName: info.OutputName,
		InputShape: info.InputShape,
		Width:      w,
		Height:     h,
		Provider:   provider,
		Session:    sess,
	}
	r.useGPU = useGPU
	r.State = IDLE
	r.log.Info("model loaded",
		zap.String("model", name),
		zap.Stringer("provider", provider),
		zap.String("input", info.InputName),
		zap.Int64s("shape", info.InputShape))

	if provider != ProviderCPU {
		r.warmUp(info.Elements())
	}
	return nil
}

// warmUp runs a zeroed input three times so the first real tick does not pay for
// provider-side initialization.
func (r *Runner) warmUp(n int) {
	zero := make([]float32, n)
	for i := 0; i < 3; i++ {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Warn("panic during warm-up", zap.Any("panic", rec))
				}
			}()
			if _, err := r.platform.Session.Run(zero); err != nil {
				r.log.Warn("warm-up run failed", zap.Error(err))
			}
		}()
	}
	r.log.Info("warm-up finished", zap.Stringer("provider", r.platform.Provider))
}

func (r *Runner) Run(input []float32) ([]float32, error) {
	switch r.State {
	case UNREGISTERED, REGISTERED:
		return nil, ErrNotLoaded
	}
	p := r.platform
	if want := p.Width * p.Height; want == 0 || len(input)%want != 0 {
		return nil, fmt.Errorf("%w: %d values for %dx%d input", ErrInputSize, len(input), p.Width, p.Height)
	}
	r.State = BUSY
	start := time.Now()
	out, err := p.Session.Run(input)
	p.LastFrame = start
	p.LastLatency = time.Since(start)
	r.State = IDLE
	return out, err
}

func (r *Runner) InputSize() (width, height int) {
	if r.platform == nil {
		return 0, 0
	}
	return r.platform.Width, r.platform.Height
}

// Platform exposes the loaded slot for status reporting; nil before Setup.
func (r *Runner) Platform() *PlatformSettings {
	return r.platform
}

func (r *Runner) Destroy() {
	if r.platform != nil && r.platform.Session != nil {
		if err := r.platform.Session.Destroy(); err != nil {
			r.log.Warn("destroy session", zap.Error(err))
		}
	}
	r.platform = nil
	if r.State != REGISTERED {
		r.State = UNREGISTERED
	}
}

func (r *Runner) CheckConfig() iface.EngineConfig {
	cfg := iface.EngineConfig{UseGPU: r.useGPU}
	if p := r.platform; p != nil {
		cfg.ModelPath = p.ModelPath
		cfg.ModelName = p.ModelName
		cfg.InputName = p.InputName
		cfg.OutputName = p.OutputName
		cfg.InputShape = p.InputShape
		cfg.Accelerator = p.Provider.String()
	}
	return cfg
}
