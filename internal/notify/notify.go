// Package notify delivers crash notifications to interested observers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/extmgr/internal/process"
)

// Crash reports an extension that exited unsuccessfully.
type Crash struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Message    string       `json:"message"`
	Exit       process.Exit `json:"exit"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Notifier receives crash notifications. Notify must not block.
type Notifier interface {
	Notify(Crash)
}

// Func adapts a function to Notifier.
type Func func(Crash)

func (f Func) Notify(c Crash) { f(c) }

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Broadcaster fans crashes out to subscribers. Each subscriber has its own
// buffered channel; a full channel drops the crash for that subscriber.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]chan Crash
	next    uint64
	buf     int
	closed  bool
	dropped atomic.Uint64
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{subs: make(map[uint64]chan Crash), buf: buffer}
}

// Subscribe registers a new listener. The returned cancel func unregisters
// it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Crash, func()) {
	ch := make(chan Crash, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster) Notify(c Crash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the current listener count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Multi forwards to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(c Crash) {
	for _, n := range m {
		if n != nil {
			n.Notify(c)
		}
	}
}
