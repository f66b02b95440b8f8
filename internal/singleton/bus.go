package singleton

import "sync"

// Bus is a small broadcast bus for OwnerChanged events, structurally the
// same non-blocking, drop-oldest-on-full-subscriber shape used by
// membership.Bus and receptionist.Bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan OwnerChanged
	nextID      int
	closed      bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan OwnerChanged)}
}

// Subscribe registers a new subscriber and returns a channel plus an
// unsubscribe function.
func (b *Bus) Subscribe(bufferSize int) (<-chan OwnerChanged, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan OwnerChanged, bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subscribers[id]; ok {
			close(sub)
			delete(b.subscribers, id)
		}
	}

	return ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev OwnerChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close drains and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
