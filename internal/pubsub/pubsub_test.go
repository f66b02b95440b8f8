package pubsub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/pubsub"
	"github.com/clusterkit/clusterkit/internal/receptionist"
)

// fakeNetwork routes PublishRemote calls between Managers directly,
// simulating an always-reachable transport.
type fakeNetwork struct {
	mu       sync.Mutex
	managers map[string]*pubsub.Manager
}

func (n *fakeNetwork) PublishRemote(ctx context.Context, peerPath string,
	topic string, payload []byte) error {

	n.mu.Lock()
	mgr, ok := n.managers[peerPath]
	n.mu.Unlock()

	if ok {
		mgr.DeliverRemote(ctx, topic, "", payload)
	}
	return nil
}

func newMember(net *fakeNetwork, path string) (*pubsub.Manager, *receptionist.Registry) {
	registry := receptionist.NewRegistry(path + "-uid")
	mgr := pubsub.NewManager(pubsub.DefaultConfig(), path, registry, net)

	net.mu.Lock()
	net.managers[path] = mgr
	net.mu.Unlock()

	return mgr, registry
}

func TestLocalSubscribersReceivePublish(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{managers: make(map[string]*pubsub.Manager)}
	mgr, _ := newMember(net, "a")

	topic := mgr.Topic("orders", "OrderEvent")

	var received []byte
	unsubscribe := topic.Subscribe(func(_ context.Context, payload []byte) {
		received = payload
	})
	defer unsubscribe()

	topic.Publish(context.Background(), []byte("hello"))
	require.Equal(t, []byte("hello"), received)
}

func TestPublishFansOutToRemoteSubscribers(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{managers: make(map[string]*pubsub.Manager)}
	mgrA, registryA := newMember(net, "a")
	mgrB, registryB := newMember(net, "b")

	// A single shared registry view is required for the receptionist's
	// Find to see cross-member registrations; merge B's registration
	// into A's registry directly to simulate converged gossip.
	topicB := mgrB.Topic("orders", "OrderEvent")

	var receivedOnB []byte
	var mu sync.Mutex
	unsubscribe := topicB.Subscribe(func(_ context.Context, payload []byte) {
		mu.Lock()
		receivedOnB = payload
		mu.Unlock()
	})
	defer unsubscribe()

	registryA.Merge(registryB.Snapshot())

	topicA := mgrA.Topic("orders", "OrderEvent")
	topicA.Publish(context.Background(), []byte("world"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(receivedOnB) == "world"
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeDeregistersFromReceptionist(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{managers: make(map[string]*pubsub.Manager)}
	mgr, registry := newMember(net, "a")

	topic := mgr.Topic("orders", "OrderEvent")
	unsubscribe := topic.Subscribe(func(context.Context, []byte) {})

	require.Len(t, registry.Find(pubsub.ServiceKey("orders", "OrderEvent")), 1)

	unsubscribe()
	require.Empty(t, registry.Find(pubsub.ServiceKey("orders", "OrderEvent")))
}

func TestManagerSweepsIdleSubscriberlessTopics(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{managers: make(map[string]*pubsub.Manager)}
	cfg := pubsub.Config{IdleTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}

	registry := receptionist.NewRegistry("a-uid")
	mgr := pubsub.NewManager(cfg, "a", registry, net)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	defer mgr.Stop()

	topic := mgr.Topic("orders", "OrderEvent")
	unsubscribe := topic.Subscribe(func(context.Context, []byte) {})

	first := mgr.Topic("orders", "OrderEvent")
	require.Same(t, topic, first, "a topic with an active subscriber is never swept")

	unsubscribe()

	require.Eventually(t, func() bool {
		return mgr.Topic("orders", "OrderEvent") != topic
	}, time.Second, 5*time.Millisecond,
		"idle topic with no subscribers should eventually be swept and recreated")
}
