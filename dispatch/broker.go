package dispatch

import (
	"sync"
	"sync/atomic"
)

// Broker is a sink that fans updates out to in-process subscribers (RPC streams,
// websocket sessions) and keeps the latest one. Slow subscribers miss updates.
type Broker struct {
	mu      sync.Mutex
	subs    map[uint64]chan Update
	next    uint64
	buf     int
	latest  Update
	has     bool
	closed  bool
	dropped atomic.Uint64
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[uint64]chan Update), buf: buffer}
}

func (b *Broker) Name() string { return "broker" }

func (b *Broker) Send(u Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.latest, b.has = u, true
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel of updates and a cancel func. The channel is closed on
// cancel or when the broker closes.
func (b *Broker) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Update, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Latest() (Update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
