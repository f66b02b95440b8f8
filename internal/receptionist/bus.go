package receptionist

import "sync"

// Bus broadcasts registry Changes to subscribers, mirroring
// internal/membership's event Bus: non-blocking publish, dropping the
// oldest buffered event for any subscriber that falls behind rather than
// stalling the registry on a slow reader.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Change
	nextID      int
	closed      bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Change)}
}

// Subscribe registers a new listener with the given channel buffer size.
// The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(bufferSize int) (<-chan Change, func()) {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Change, bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers c to every subscriber, dropping the oldest pending
// event on any channel that is full.
func (b *Bus) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
