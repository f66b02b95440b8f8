package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/receptionist"
)

// Config controls topic passivation timing.
type Config struct {
	// IdleTimeout is how long a topic with zero local subscribers may
	// sit unused before Manager drops its local handle. The
	// receptionist registration is already gone by then (the last
	// Subscribe's unsubscribe deregistered it); this only bounds the
	// manager's own memory for topics nobody publishes to either.
	IdleTimeout time.Duration

	SweepInterval time.Duration
}

// DefaultConfig returns a 5 minute idle timeout swept every 30 seconds.
func DefaultConfig() Config {
	return Config{IdleTimeout: 5 * time.Minute, SweepInterval: 30 * time.Second}
}

// Manager owns every Topic a member has touched, either as a local
// publisher or subscriber, or as the remote-delivery target of a peer's
// Publish.
type Manager struct {
	cfg       Config
	selfPath  string
	registry  *receptionist.Registry
	publisher Publisher

	mu     sync.Mutex
	topics map[string]*Topic

	doneCh   chan struct{}
	stopOnce func()
}

// NewManager returns a Manager for the local member, identified by
// selfPath (this member's topic-actor path, used for self-exclusion during
// remote fan-out).
func NewManager(cfg Config, selfPath string, registry *receptionist.Registry,
	publisher Publisher) *Manager {

	m := &Manager{
		cfg:       cfg,
		selfPath:  selfPath,
		registry:  registry,
		publisher: publisher,
		topics:    make(map[string]*Topic),
		doneCh:    make(chan struct{}),
	}
	var once bool
	m.stopOnce = func() {
		if !once {
			once = true
			close(m.doneCh)
		}
	}
	return m
}

// Topic returns the named topic, creating it (with the given wire type
// tag) if this is the first time this member has touched it.
func (m *Manager) Topic(name, typeTag string) *Topic {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.topics[name]; ok {
		return t
	}

	t := newTopic(name, typeTag, m.selfPath, m.registry, m.publisher)
	m.topics[name] = t
	return t
}

// DeliverRemote routes a peer's published payload to the named topic's
// local subscribers, creating the topic (with no subscribers) if it
// doesn't exist locally yet -- a member can be addressed as a fan-out
// target before anyone locally subscribes, e.g. during a race between
// Subscribe and a concurrent remote Publish.
func (m *Manager) DeliverRemote(ctx context.Context, name, typeTag string, payload []byte) {
	m.Topic(name, typeTag).deliverRemote(ctx, payload)
}

// Run sweeps idle, subscriber-less topics out of the manager every
// SweepInterval until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop ends the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce()
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, t := range m.topics {
		if t.subscriberCount() == 0 && t.idleSince(now) >= m.cfg.IdleTimeout {
			delete(m.topics, name)
		}
	}
}
