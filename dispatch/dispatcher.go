package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	iface "FaceTrackServer/interface"

	"go.uber.org/zap"
)

// Sink receives every dispatched update. Send is called from the dispatcher's worker
// goroutine only.
type Sink interface {
	Name() string
	Send(u Update) error
	Close() error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(Update) error
}

func (s SinkFunc) Name() string        { return s.ID }
func (s SinkFunc) Send(u Update) error { return s.Fn(u) }
func (s SinkFunc) Close() error        { return nil }

const DefaultQueueSize = 64

var ErrClosed = errors.New("dispatch: dispatcher closed")

// Dispatcher maps expressions on the tick goroutine and hands them to a worker that
// feeds the sinks. A full queue drops the update rather than stalling the tick.
type Dispatcher struct {
	mapper *Mapper
	log    *zap.Logger

	mu     sync.RWMutex
	sinks  []Sink
	jobs   chan Update
	closed bool
	wg     sync.WaitGroup

	restartDelay time.Duration
	sent         atomic.Uint64
	dropped      atomic.Uint64
	failed       atomic.Uint64
}

func NewDispatcher(mapper *Mapper, queueSize int, log *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		mapper:       mapper,
		log:          log,
		jobs:         make(chan Update, queueSize),
		restartDelay: time.Second,
	}
	d.wg.Add(1)
	go d.runWorker()
	return d
}

func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
	d.log.Info("sink added", zap.String("sink", s.Name()))
}

// Handle is an orchestrator expressions listener.
func (d *Dispatcher) Handle(ex iface.Expressions) {
	_ = d.Publish(d.mapper.Map(ex))
}

func (d *Dispatcher) Publish(u Update) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- u:
		return nil
	default:
		n := d.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			d.log.Warn("dispatch queue full, dropping update", zap.Uint64("dropped", n))
		}
		return nil
	}
}

// runWorker restarts itself after a sink panic.
func (d *Dispatcher) runWorker() {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Sprintf("dispatch worker panic: %v. Restarting in %s...", r, d.restartDelay))
			time.Sleep(d.restartDelay)
			go d.runWorker()
			return
		}
		d.wg.Done()
	}()
	for u := range d.jobs {
		d.deliver(u)
	}
}

func (d *Dispatcher) deliver(u Update) {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(u); err != nil {
			d.failed.Add(1)
			d.log.Warn("sink send failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
	}
	d.sent.Add(1)
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

// Close drains the queue and closes every sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	d.sinks = nil
	return errors.Join(errs...)
}
