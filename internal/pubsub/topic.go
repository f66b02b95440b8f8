package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/receptionist"
)

const topicKeyPrefix = "topic:"

// ServiceKey returns the reserved receptionist.ServiceKey a topic named
// name registers its per-member topic actor under.
func ServiceKey(name, typeTag string) receptionist.ServiceKey {
	return receptionist.NewServiceKey(topicKeyPrefix+name, typeTag)
}

// Publisher is the transport-facing seam pubsub sends remote fan-out
// through, kept separate from internal/transport the same way
// membership.Gossiper and receptionist.Gossiper are.
type Publisher interface {
	PublishRemote(ctx context.Context, peerPath string, topic string, payload []byte) error
}

// Subscriber receives every payload published to a Topic, local or remote.
type Subscriber func(ctx context.Context, payload []byte)

// Topic is one member's local view of a cluster-wide topic: its local
// subscribers, plus enough bookkeeping to register/deregister with the
// receptionist as those subscribers come and go.
type Topic struct {
	name     string
	typeTag  string
	selfPath string

	registry  *receptionist.Registry
	publisher Publisher

	mu          sync.Mutex
	subscribers map[int]Subscriber
	nextID      int
	lastActive  time.Time
}

func newTopic(name, typeTag, selfPath string, registry *receptionist.Registry,
	publisher Publisher) *Topic {

	return &Topic{
		name:        name,
		typeTag:     typeTag,
		selfPath:    selfPath,
		registry:    registry,
		publisher:   publisher,
		subscribers: make(map[int]Subscriber),
		lastActive:  time.Now(),
	}
}

// Subscribe adds a local subscriber. The first subscriber on a member
// registers that member's topic actor with the cluster-wide receptionist;
// the returned func unsubscribes, deregistering once the last local
// subscriber is gone.
func (t *Topic) Subscribe(sub Subscriber) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = sub
	firstSubscriber := len(t.subscribers) == 1
	t.lastActive = time.Now()
	t.mu.Unlock()

	if firstSubscriber {
		_, _ = t.registry.Register(ServiceKey(t.name, t.typeTag), t.selfPath)
	}

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		lastSubscriber := len(t.subscribers) == 0
		t.mu.Unlock()

		if lastSubscriber {
			_ = t.registry.Deregister(ServiceKey(t.name, t.typeTag), t.selfPath)
		}
	}
}

// Publish delivers payload to every local subscriber and to every peer's
// topic actor path currently registered in the receptionist (other than
// this member's own path, already handled locally).
func (t *Topic) Publish(ctx context.Context, payload []byte) {
	t.mu.Lock()
	t.lastActive = time.Now()
	locals := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		locals = append(locals, s)
	}
	t.mu.Unlock()

	for _, s := range locals {
		s(ctx, payload)
	}

	t.fanOutRemote(ctx, payload)
}

// deliverRemote is called when a peer's Publish reaches this member's topic
// actor; it only delivers locally, it never re-fans-out, since the
// originating member already reached every peer directly.
func (t *Topic) deliverRemote(ctx context.Context, payload []byte) {
	t.mu.Lock()
	t.lastActive = time.Now()
	locals := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		locals = append(locals, s)
	}
	t.mu.Unlock()

	for _, s := range locals {
		s(ctx, payload)
	}
}

func (t *Topic) fanOutRemote(ctx context.Context, payload []byte) {
	if t.publisher == nil {
		return
	}

	for _, peerPath := range t.registry.Find(ServiceKey(t.name, t.typeTag)) {
		if peerPath == t.selfPath {
			continue
		}

		err := t.publisher.PublishRemote(ctx, peerPath, t.name, payload)
		if err != nil {
			log.DebugS(ctx, "pubsub remote publish failed",
				"topic", t.name, "peer", peerPath, "err", err)
		}
	}
}

// idleSince reports how long this topic has gone without a Subscribe,
// Publish, or deliverRemote call, used by Manager to passivate it.
func (t *Topic) idleSince(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastActive)
}

// subscriberCount reports the current local subscriber count.
func (t *Topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
