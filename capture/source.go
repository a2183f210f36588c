package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	iface "FaceTrackServer/interface"

	"go.uber.org/zap"
)

var (
	ErrStartTimeout   = errors.New("capture: start timed out")
	ErrAlreadyRunning = errors.New("capture: already running")
	// ErrDeviceGone ends the read loop; any other read error is retried.
	ErrDeviceGone = errors.New("capture: device gone")
	ErrReadFailed = errors.New("capture: read failed")
)

// Device is the blocking, device-specific half of a source. Source drives it from one
// goroutine, so implementations need no locking.
type Device interface {
	Open(ctx context.Context) error
	// Read returns the next frame; Seq and Timestamp are filled in by Source.
	Read() (iface.Frame, error)
	// Close may be called on an already closed device.
	Close() error
}

type SourceConfig struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// ReconnectAfter consecutive read failures reopen the device; 0 disables reopening.
	ReconnectAfter int
	Reconnect      ReconnectConfig
	ErrorDelay     time.Duration
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		StartTimeout:   10 * time.Second,
		StopTimeout:    3 * time.Second,
		ReconnectAfter: 30,
		Reconnect:      DefaultReconnectConfig(),
		ErrorDelay:     10 * time.Millisecond,
	}
}

// Source implements iface.Capture over a Device: asynchronous open bounded by a
// timeout, a background read loop and a mutex-guarded latest frame slot.
type Source struct {
	name   string
	source string
	dev    Device
	cfg    SourceConfig
	log    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	frameMu  sync.RWMutex
	latest   iface.Frame
	hasFrame bool

	seq        atomic.Uint64
	ready      atomic.Bool
	reconnects atomic.Uint32
}

func NewSource(name, source string, dev Device, cfg SourceConfig, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{name: name, source: source, dev: dev, cfg: cfg, log: log}
}

func (s *Source) Name() string   { return s.name }
func (s *Source) Source() string { return s.source }
func (s *Source) IsReady() bool  { return s.ready.Load() }

// Running reports whether a read loop is active. It turns false when the loop ends on
// its own, so StartCapture can be called again.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) Frames() uint64     { return s.seq.Load() }
func (s *Source) Reconnects() uint32 { return s.reconnects.Load() }

func (s *Source) LatestFrame() (iface.Frame, bool) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.latest, s.hasFrame
}

func (s *Source) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	openCtx, cancelOpen := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() {
		result <- s.safeOpen(openCtx)
	}()

	timeout := s.cfg.StartTimeout
	if timeout <= 0 {
		timeout = DefaultSourceConfig().StartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		cancelOpen()
		if err != nil {
			return fmt.Errorf("open %s: %w", s.source, err)
		}
	case <-timer.C:
		cancelOpen()
		go s.discardLateOpen(result)
		return fmt.Errorf("%w after %s: %s", ErrStartTimeout, timeout, s.source)
	case <-ctx.Done():
		cancelOpen()
		go s.discardLateOpen(result)
		return ctx.Err()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true
	go func() {
		s.readLoop(loopCtx, done)
		s.loopExited(done)
	}()
	s.log.Info("capture started", zap.String("name", s.name))
	return nil
}

// discardLateOpen releases a device whose open finished after StartCapture gave up on it.
func (s *Source) discardLateOpen(result <-chan error) {
	if err := <-result; err == nil {
		if cerr := s.dev.Close(); cerr != nil {
			s.log.Warn("close after late open", zap.Error(cerr))
		}
	}
}

func (s *Source) safeOpen(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open panic: %v", r)
		}
	}()
	return s.dev.Open(ctx)
}

func (s *Source) safeRead() (f iface.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrReadFailed, r)
		}
	}()
	return s.dev.Read()
}

func (s *Source) StopCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cancel()
	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = DefaultSourceConfig().StopTimeout
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.log.Warn("capture read loop did not stop in time", zap.Duration("timeout", timeout))
	}
	s.running = false
	s.cancel = nil
	s.ready.Store(false)
	s.log.Info("capture stopped", zap.String("name", s.name))
	return true
}

// loopExited clears running when the read loop of done ended without StopCapture.
func (s *Source) loopExited(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.done != done {
		return
	}
	s.cancel()
	s.cancel = nil
	s.running = false
	s.log.Warn("capture read loop ended", zap.String("name", s.name))
}

func (s *Source) publish(f iface.Frame) {
	f.Seq = s.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	s.frameMu.Lock()
	s.latest = f
	s.hasFrame = true
	s.frameMu.Unlock()
	s.ready.Store(true)
}

func (s *Source) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.ready.Store(false)
		if err := s.dev.Close(); err != nil {
			s.log.Warn("close device", zap.Error(err))
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := s.safeRead()
		if err == nil && frame.Empty() {
			err = ErrReadFailed
		}
		if err != nil {
			s.ready.Store(false)
			if errors.Is(err, ErrDeviceGone) {
				s.log.Error("capture device gone, read loop exiting", zap.Error(err))
				return
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				s.log.Warn("frame read failed", zap.Int("consecutive", failures), zap.Error(err))
			}
			if s.cfg.ReconnectAfter > 0 && failures >= s.cfg.ReconnectAfter {
				if !s.reopen(ctx) {
					return
				}
				failures = 0
				continue
			}
			if s.cfg.ErrorDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.ErrorDelay):
				}
			}
			continue
		}
		failures = 0
		s.publish(frame)
	}
}

func (s *Source) reopen(ctx context.Context) bool {
	if err := s.dev.Close(); err != nil {
		s.log.Warn("close before reconnect", zap.Error(err))
	}
	attempts, err := runWithReconnect(ctx, s.safeOpen, s.cfg.Reconnect, s.log)
	s.reconnects.Add(uint32(attempts) + 1)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("capture reconnect failed", zap.Error(err))
		}
		return false
	}
	s.log.Info("capture reconnected", zap.Int("attempts", attempts+1))
	return true
}
