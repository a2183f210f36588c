// Package pipeline drives the face and eye pipelines: one shared ticker pulls the latest
// frames, packs them, runs inference, filters and publishes the expressions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"FaceTrackServer/filter"
	iface "FaceTrackServer/interface"
	"FaceTrackServer/settings"
	"FaceTrackServer/tensor"

	"go.uber.org/zap"
)

type State int32

const (
	Uninitialized State = iota
	Ready
	Running
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const DefaultTickInterval = 10 * time.Millisecond

var ErrUnknownPipeline = errors.New("pipeline: unknown pipeline")

// Preprocessor turns a captured frame into a model-sized single-channel frame.
type Preprocessor interface {
	Apply(f iface.Frame, cs iface.CameraSettings) (iface.Frame, error)
	Close() error
}

// Metrics receives per-pipeline measurements. Every method must be cheap.
type Metrics interface {
	ObserveTick(pipeline string, d time.Duration)
	ObserveInference(pipeline string, d time.Duration)
	IncFault(pipeline string)
	SetState(pipeline string, state int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(string, time.Duration) {}
func (nopMetrics) ObserveInference(string, time.Duration) {}
func (nopMetrics) IncFault(string) {}
func (nopMetrics) SetState(string, int) {}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store           settings.Store
	NewRunner       func(kind Kind) iface.Backend
	OpenCapture     func(source string) (iface.Capture, error)
	NewPreprocessor func(width, height int) Preprocessor
	Metrics         Metrics
	Log             *zap.Logger
	Interval        time.Duration
	StartTimeout    time.Duration
	Clock           filter.Clock
}

type Status struct {
	Pipeline    Kind      `json:"pipeline"`
	State       string    `json:"state"`
	Model       string    `json:"model,omitempty"`
	Accelerator string    `json:"accelerator,omitempty"`
	Sources     []string  `json:"sources,omitempty"`
	SourceReady []bool    `json:"sourceReady,omitempty"`
	Split       bool      `json:"split,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastOutput  time.Time `json:"lastOutput,omitempty"`
	// Frames counts new frame sets taken from the sources since the orchestrator was created.
	Frames uint64 `json:"frames"`
}

type slot struct {
	mu    sync.Mutex
	kind  Kind
	state State
	gen   uint64

	runner   iface.Backend
	filter   iface.Smoother
	sources  []iface.Capture
	cameras  []iface.CameraSettings
	preprocs []Preprocessor
	queue    *tensor.FrameQueue
	packer   *tensor.Packer
	lastSeq  []uint64
	frames   uint64
	split    bool
	fusion   EyeFusion
	// buffers back the merged eye frames held by queue; halves hold the split input.
	buffers *tensor.Ring
	halves  [2][]byte

	lastErr    error
	lastOutput time.Time

	// releasing counts detached resources still being stopped off the lock.
	releasing sync.WaitGroup
}

// detached holds what was taken out of a slot and still has to be stopped, closed
// or destroyed. Stopping a source can block for the capture stop timeout.
type detached struct {
	sources  []iface.Capture
	preprocs []Preprocessor
	runner   iface.Backend
}

// Orchestrator owns both pipelines. Ticks run on one goroutine; Initialize,
// ApplyFilterConfig and Status may be called from any goroutine.
type Orchestrator struct {
	deps Deps
	log  *zap.Logger

	face *slot
	eye  *slot

	listenMu    sync.RWMutex
	onExprs     []func(iface.Expressions)
	onFault     []func(Kind, error)
	latestMu    sync.RWMutex
	latest      iface.Expressions
	latestValid bool

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

func New(deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultTickInterval
	}
	if deps.StartTimeout <= 0 {
		deps.StartTimeout = 20 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Store == nil {
		deps.Store = settings.NewMemoryStore(nil)
	}
	return &Orchestrator{
		deps: deps,
		log:  deps.Log,
		face: &slot{kind: Face},
		eye:  &slot{kind: Eye},
	}
}

func (o *Orchestrator) lookup(kind Kind) (*slot, error) {
	switch kind {
	case Face:
		return o.face, nil
	case Eye:
		return o.eye, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, kind)
}

// OnExpressions registers a callback for every tick that produced output. Callbacks
// run on the tick goroutine and must not block.
func (o *Orchestrator) OnExpressions(fn func(iface.Expressions)) {
	o.listenMu.Lock()
	o.onExprs = append(o.onExprs, fn)
	o.listenMu.Unlock()
}

func (o *Orchestrator) OnFault(fn func(Kind, error)) {
	o.listenMu.Lock()
	o.onFault = append(o.onFault, fn)
	o.listenMu.Unlock()
}

func (o *Orchestrator) emitExpressions(ex iface.Expressions) {
	o.listenMu.RLock()
	fns := slices.Clone(o.onExprs)
	o.listenMu.RUnlock()
	for _, fn := range fns {
		fn(ex)
	}
}

func (o *Orchestrator) emitFault(kind Kind, err error) {
	o.listenMu.RLock()
	fns := slices.Clone(o.onFault)
	o.listenMu.RUnlock()
	for _, fn := range fns {
		fn(kind, err)
	}
}

// Latest returns the most recent non-empty tick output.
func (o *Orchestrator) Latest() (iface.Expressions, bool) {
	o.latestMu.RLock()
	defer o.latestMu.RUnlock()
	return o.latest, o.latestValid
}

func (o *Orchestrator) State(kind Kind) State {
	s, err := o.lookup(kind)
	if err != nil {
		return Uninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (o *Orchestrator) setStateLocked(s *slot, st State) {
	if s.state == st {
		return
	}
	o.log.Info("pipeline state", zap.String("pipeline", string(s.kind)), zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
	o.deps.Metrics.SetState(string(s.kind), int(st))
}

// Start runs the ticker until ctx ends or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.stop != nil {
		return
	}
	o.stop = make(chan struct{})
	o.stopped = make(chan struct{})
	go o.run(ctx, o.stop, o.stopped)
}

func (o *Orchestrator) run(ctx context.Context, stop, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(o.deps.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick runs one face and one eye cycle. A failure in one pipeline never skips the other.
func (o *Orchestrator) Tick() {
	var ex iface.Expressions
	var faceErr, eyeErr error
	ex.Face, faceErr = o.tickSlot(o.face)
	ex.Eye, eyeErr = o.tickSlot(o.eye)
	if faceErr != nil {
		o.emitFault(Face, faceErr)
	}
	if eyeErr != nil {
		o.emitFault(Eye, eyeErr)
	}
	if ex.Empty() {
		return
	}
	o.latestMu.Lock()
	o.latest = ex
	o.latestValid = true
	o.latestMu.Unlock()
	o.emitExpressions(ex)
}

// tickSlot returns a non-nil error only when the pipeline just faulted.
func (o *Orchestrator) tickSlot(s *slot) (out []float32, faultErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready && s.state != Running {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = nil
			faultErr = o.faultLocked(s, fmt.Errorf("panic in %s tick: %v", s.kind, r))
		}
	}()

	var err error
	switch s.kind {
	case Face:
		out, err = o.stepFace(s)
	case Eye:
		out, err = o.stepEye(s)
	}
	if err != nil {
		return nil, o.faultLocked(s, err)
	}
	if out != nil {
		s.lastOutput = time.Now()
		o.setStateLocked(s, Running)
		o.deps.Metrics.ObserveTick(string(s.kind), time.Since(start))
	}
	return out, nil
}

// faultLocked disposes the slot's sources and marks it Faulted. The runner is kept so a
// reinitialization can replace it.
func (o *Orchestrator) faultLocked(s *slot, err error) error {
	o.log.Error("pipeline faulted",
		zap.String("pipeline", string(s.kind)),
		zap.Stringer("state", s.state),
		zap.Error(err))
	o.releaseAsync(s, o.detachSourcesLocked(s))
	s.lastErr = err
	o.setStateLocked(s, Faulted)
	o.deps.Metrics.IncFault(string(s.kind))
	return err
}

func (o *Orchestrator) detachSourcesLocked(s *slot) detached {
	d := detached{sources: s.sources}
	s.sources = nil
	s.lastSeq = nil
	if s.queue != nil {
		s.queue.Reset()
	}
	return d
}

// detachLocked empties the slot. The caller releases the result after unlocking.
func (o *Orchestrator) detachLocked(s *slot) detached {
	d := o.detachSourcesLocked(s)
	d.preprocs, s.preprocs = s.preprocs, nil
	d.runner, s.runner = s.runner, nil
	s.packer = nil
	s.queue = nil
	s.buffers = nil
	s.fusion.Reset()
	return d
}

func (o *Orchestrator) release(d detached) {
	for _, src := range d.sources {
		if src != nil {
			src.StopCapture()
		}
	}
	for _, p := range d.preprocs {
		if err := p.Close(); err != nil {
			o.log.Warn("close preprocessor", zap.Error(err))
		}
	}
	if d.runner != nil {
		d.runner.Destroy()
	}
}

// releaseAsync releases d on its own goroutine. The next load of s waits for it.
func (o *Orchestrator) releaseAsync(s *slot, d detached) {
	s.releasing.Add(1)
	go func() {
		defer s.releasing.Done()
		o.release(d)
	}()
}

// latestFrames returns the newest frame of every source, or nil when none has
// advanced since the previous call.
func latestFrames(s *slot) []iface.Frame {
	frames := make([]iface.Frame, len(s.sources))
	advanced := false
	for i, src := range s.sources {
		f, ok := src.LatestFrame()
		if !ok || f.Empty() {
			return nil
		}
		frames[i] = f
		if f.Seq != s.lastSeq[i] {
			advanced = true
		}
	}
	if !advanced {
		return nil
	}
	for i, f := range frames {
		s.lastSeq[i] = f.Seq
	}
	s.frames++
	return frames
}

func (o *Orchestrator) infer(s *slot, input []float32) ([]float32, error) {
	start := time.Now()
	raw, err := s.runner.Run(input)
	if err != nil {
		return nil, fmt.Errorf("%s inference: %w", s.kind, err)
	}
	o.deps.Metrics.ObserveInference(string(s.kind), time.Since(start))
	return raw, nil
}

func (o *Orchestrator) stepFace(s *slot) ([]float32, error) {
	frames := latestFrames(s)
	if frames == nil {
		return nil, nil
	}
	prepared, err := s.preprocs[0].Apply(frames[0], s.cameras[0])
	if err != nil {
		return nil, fmt.Errorf("face preprocess: %w", err)
	}
	s.queue.Push(prepared)
	if s.queue.Len() < tensor.FramesPerInference {
		return nil, nil
	}
	input, err := s.packer.PackSingle(s.queue)
	if err != nil {
		return nil, err
	}
	raw, err := o.infer(s, input)
	if err != nil {
		return nil, err
	}
	return s.filter.Filter(raw), nil
}

func (o *Orchestrator) stepEye(s *slot) ([]float32, error) {
	frames := latestFrames(s)
	if frames == nil {
		return nil, nil
	}
	left, right := frames[0], iface.Frame{}
	if s.split {
		var err error
		left, right, err = tensor.SplitStereoInto(s.halves[0], s.halves[1], frames[0])
		if err != nil {
			return nil, fmt.Errorf("eye split: %w", err)
		}
		s.halves[0], s.halves[1] = left.Data, right.Data
	} else {
		right = frames[1]
	}
	l, err := s.preprocs[0].Apply(left, s.cameras[0])
	if err != nil {
		return nil, fmt.Errorf("left eye preprocess: %w", err)
	}
	r, err := s.preprocs[1].Apply(right, s.cameras[1])
	if err != nil {
		return nil, fmt.Errorf("right eye preprocess: %w", err)
	}
	merged, err := tensor.MergeDualInto(s.buffers.Next(2*len(l.Data)), l, r)
	if err != nil {
		return nil, err
	}
	s.queue.Push(merged)
	if s.queue.Len() < tensor.FramesPerInference {
		return nil, nil
	}
	input, err := s.packer.PackDual(s.queue)
	if err != nil {
		return nil, err
	}
	raw, err := o.infer(s, input)
	if err != nil {
		return nil, err
	}
	fused, err := s.fusion.Fuse(raw)
	if err != nil {
		return nil, err
	}
	return s.filter.Filter(fused), nil
}

// Initialize (re)loads a pipeline in the background: model, capture sources and
// filters. The returned channel receives the load result once.
func (o *Orchestrator) Initialize(kind Kind) <-chan error {
	done := make(chan error, 1)
	s, err := o.lookup(kind)
	if err != nil {
		done <- err
		return done
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := o.detachLocked(s)
	s.lastErr = nil
	o.setStateLocked(s, Uninitialized)
	s.mu.Unlock()

	cfg := LoadConfig(o.deps.Store, kind)
	go func() {
		// the old devices must be closed before they are reopened
		o.release(old)
		s.releasing.Wait()
		err := o.load(s, gen, cfg)
		if err != nil {
			o.emitFault(kind, err)
		}
		done <- err
	}()
	return done
}

// Reinitialize is Initialize for a pipeline that faulted or whose settings changed.
func (o *Orchestrator) Reinitialize(kind Kind) <-chan error {
	return o.Initialize(kind)
}

func (o *Orchestrator) load(s *slot, gen uint64, cfg Config) (err error) {
	log := o.log.With(zap.String("pipeline", string(s.kind)), zap.String("model", cfg.Model))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic loading %s: %v", s.kind, r)
		}
		if err != nil {
			log.Error("pipeline load failed", zap.Strings("sources", cfg.Sources), zap.Bool("gpu", cfg.UseGPU), zap.Error(err))
			s.mu.Lock()
			if s.gen == gen {
				s.lastErr = err
				o.setStateLocked(s, Faulted)
			}
			s.mu.Unlock()
		}
	}()

	runner := o.deps.NewRunner(s.kind)
	if err := runner.Setup(cfg.Model, cfg.UseGPU); err != nil {
		return fmt.Errorf("load %s model: %w", s.kind, err)
	}
	w, h := runner.InputSize()

	sources, err := o.startSources(cfg.Sources)
	if err != nil {
		runner.Destroy()
		return err
	}

	preprocs := make([]Preprocessor, len(cfg.Cameras))
	for i := range preprocs {
		preprocs[i] = o.deps.NewPreprocessor(w, h)
	}

	installed := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return false
		}
		s.runner = runner
		s.sources = sources
		s.lastSeq = make([]uint64, len(sources))
		s.cameras = cfg.Cameras
		s.preprocs = preprocs
		s.split = cfg.Split
		s.queue = tensor.NewFrameQueue(tensor.FramesPerInference)
		s.buffers = tensor.NewRing(tensor.FramesPerInference + 1)
		s.packer = tensor.NewPacker(w, h)
		s.filter = NewFilter(cfg.Filters, o.deps.Clock)
		s.fusion.Reset()
		o.setStateLocked(s, Ready)
		return true
	}()
	if !installed {
		// superseded by a newer Initialize
		o.release(detached{sources: sources, preprocs: preprocs, runner: runner})
		return nil
	}
	log.Info("pipeline ready", zap.Int("width", w), zap.Int("height", h), zap.String("accelerator", runner.CheckConfig().Accelerator))
	return nil
}

func (o *Orchestrator) startSources(conns []string) ([]iface.Capture, error) {
	var started []iface.Capture
	fail := func(err error) ([]iface.Capture, error) {
		for _, c := range started {
			c.StopCapture()
		}
		return nil, err
	}
	for _, conn := range conns {
		if conn == "" {
			return fail(errors.New("camera source not configured"))
		}
		c, err := o.deps.OpenCapture(conn)
		if err != nil {
			return fail(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.deps.StartTimeout)
		err = c.StartCapture(ctx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("start %s: %w", conn, err))
		}
		started = append(started, c)
	}
	return started, nil
}

// ApplyFilterConfig swaps in a new filter built from groups. The previous filter
// state is dropped.
func (o *Orchestrator) ApplyFilterConfig(kind Kind, groups []FilterGroupSettings) error {
	s, err := o.lookup(kind)
	if err != nil {
		return err
	}
	resolved := make([]FilterGroupSettings, len(groups))
	for i, g := range groups {
		if len(g.Indices) == 0 {
			g.Indices = GroupIndices(kind, g.Name)
		}
		resolved[i] = g
	}
	f := NewFilter(resolved, o.deps.Clock)
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
	o.log.Info("filter config applied", zap.String("pipeline", string(kind)), zap.Strings("groups", f.Groups()))
	return nil
}

// UpdateFilterConfig persists groups to the settings store and rebuilds kind's filter
// from the stored groups, so groups left out keep their stored values.
func (o *Orchestrator) UpdateFilterConfig(kind Kind, groups []FilterGroupSettings) error {
	if _, err := o.lookup(kind); err != nil {
		return err
	}
	if err := SaveFilterSettings(o.deps.Store, kind, groups); err != nil {
		return fmt.Errorf("save %s filter settings: %w", kind, err)
	}
	return o.ApplyFilterConfig(kind, FilterSettings(o.deps.Store, kind))
}

// ReloadFilters rebuilds both filters from the settings store.
func (o *Orchestrator) ReloadFilters() {
	for _, kind := range []Kind{Face, Eye} {
		_ = o.ApplyFilterConfig(kind, FilterSettings(o.deps.Store, kind))
	}
}

func (o *Orchestrator) Status() []Status {
	out := make([]Status, 0, 2)
	for _, s := range []*slot{o.face, o.eye} {
		s.mu.Lock()
		st := Status{
			Pipeline:   s.kind,
			State:      s.state.String(),
			Split:      s.split,
			LastOutput: s.lastOutput,
			Frames:     s.frames,
		}
		if s.runner != nil {
			cfg := s.runner.CheckConfig()
			st.Model = cfg.ModelName
			st.Accelerator = cfg.Accelerator
		}
		for _, src := range s.sources {
			st.Sources = append(st.Sources, src.Source())
			st.SourceReady = append(st.SourceReady, src.IsReady())
		}
		if g, ok := s.filter.(interface{ Groups() []string }); ok {
			st.Groups = g.Groups()
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Shutdown stops the ticker, then releases both pipelines.
func (o *Orchestrator) Shutdown() {
	o.runMu.Lock()
	if o.stop != nil {
		close(o.stop)
		<-o.stopped
		o.stop = nil
	}
	o.runMu.Unlock()

	for _, s := range []*slot{o.face, o.eye} {
		s.mu.Lock()
		s.gen++
		d := o.detachLocked(s)
		o.setStateLocked(s, Uninitialized)
		s.mu.Unlock()
		o.release(d)
		s.releasing.Wait()
	}
	o.log.Info("orchestrator shut down")
}
