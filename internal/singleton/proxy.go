package singleton

import (
	"context"
	"sync"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
)

// Sender delivers msg to the singleton instance currently hosted at
// ownerAddr. Proxy leaves the actual wire encoding and transport send to
// the caller, the same dependency-inversion seam used throughout this
// module's gossip-facing packages.
type Sender[M actor.Message] func(ctx context.Context, ownerAddr string, msg M) error

// Proxy buffers messages addressed to a cluster singleton while its owner
// is unknown or unreachable, and forwards them once an owner is known --
// an actor.TellOnlyRef[M]-compatible forwarder, so callers can treat a
// singleton exactly like any other actor reference regardless of which
// member currently hosts it.
type Proxy[M actor.Message] struct {
	id      string
	manager *Manager
	send    Sender[M]

	mu         sync.Mutex
	buffer     []M
	bufferSize int

	doneCh   chan struct{}
	stopOnce func()
}

// NewProxy returns a Proxy for the singleton tracked by manager, buffering
// up to manager's configured BufferSize messages (1000 if that is not
// positive) while no owner is known.
func NewProxy[M actor.Message](id string, manager *Manager, send Sender[M]) *Proxy[M] {
	size := manager.cfg.BufferSize
	if size <= 0 {
		size = 1000
	}

	p := &Proxy[M]{
		id:         id,
		manager:    manager,
		send:       send,
		bufferSize: size,
		doneCh:     make(chan struct{}),
	}
	var once bool
	p.stopOnce = func() {
		if !once {
			once = true
			close(p.doneCh)
		}
	}
	return p
}

// ID implements actor.BaseActorRef.
func (p *Proxy[M]) ID() string {
	return p.id
}

// Tell forwards msg to the current owner if known, or buffers it (dropping
// the oldest buffered message if full) until one becomes known.
func (p *Proxy[M]) Tell(ctx context.Context, msg M) {
	addr, ok := p.manager.OwnerAddress()
	if ok {
		if err := p.send(ctx, addr, msg); err == nil {
			return
		}
		log.DebugS(ctx, "singleton proxy send failed, buffering",
			"singleton", p.manager.cfg.Name)
	}

	p.enqueue(msg)
}

func (p *Proxy[M]) enqueue(msg M) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) >= p.bufferSize {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, msg)
}

// Run drains the buffer to the owner every time OwnerChanged fires, until
// ctx is cancelled or Stop is called.
func (p *Proxy[M]) Run(ctx context.Context) {
	changes, unsubscribe := p.manager.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.doneCh:
			return
		case change := <-changes:
			if change.Known {
				p.flush(ctx, change.Address)
			}
		}
	}
}

// Stop ends the proxy's drain loop.
func (p *Proxy[M]) Stop() {
	p.stopOnce()
}

func (p *Proxy[M]) flush(ctx context.Context, addr string) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for _, msg := range pending {
		if err := p.send(ctx, addr, msg); err != nil {
			log.DebugS(ctx, "singleton proxy flush send failed, re-buffering",
				"singleton", p.manager.cfg.Name, "err", err)
			p.enqueue(msg)
		}
	}
}
