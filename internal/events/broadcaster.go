package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Broadcaster fans events out to subscribers. A subscriber whose buffer is full
// misses the event instead of stalling the emitter.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
}

var _ Emitter = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster; buffer <= 0 uses the default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscription receives every event emitted after Subscribe until Close.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	b    *Broadcaster
	once sync.Once
}

func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, b: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Send delivers e to this subscriber only. It reports false if the buffer was full or closed.
func (s *Subscription) Send(e Event) bool {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	if _, ok := s.b.subs[s]; !ok {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.b.dropped.Add(1)
		return false
	}
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

func (b *Broadcaster) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped on full buffers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
