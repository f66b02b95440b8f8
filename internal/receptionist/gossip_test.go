package receptionist_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/receptionist"
)

// fakeNetwork wires Actor instances together directly, simulating an
// always-reachable transport, same approach as membership's gossip tests.
type fakeNetwork struct {
	mu     sync.Mutex
	actors map[string]*receptionist.Actor
}

func (n *fakeNetwork) SendSnapshot(_ context.Context, peerAddr string,
	snapshot map[string]map[string]receptionist.Entry) error {

	n.mu.Lock()
	target, ok := n.actors[peerAddr]
	n.mu.Unlock()

	if ok {
		target.OnSnapshotReceived(snapshot)
	}
	return nil
}

func startActor(t *testing.T, net *fakeNetwork, addr string,
	registry *receptionist.Registry, peers []string) *receptionist.Actor {

	cfg := receptionist.DefaultConfig()
	cfg.GossipInterval = 10 * time.Millisecond

	a := receptionist.NewActor(cfg, registry, net, func() []string { return peers })

	net.mu.Lock()
	net.actors[addr] = a
	net.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})

	return a
}

func TestGossipActorConvergesRegistrations(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{actors: make(map[string]*receptionist.Actor)}

	regA := receptionist.NewRegistry("node-a")
	regB := receptionist.NewRegistry("node-b")

	startActor(t, net, "a", regA, []string{"b"})
	startActor(t, net, "b", regB, []string{"a"})

	key := receptionist.NewServiceKey("svc", "T")
	_, err := regA.Register(key, "clusterkit://sys@a/user/worker-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(regB.Find(key)) == 1
	}, time.Second, 5*time.Millisecond, "registration should propagate to node-b")
}

func TestGossipActorPropagatesDeregistration(t *testing.T) {
	t.Parallel()

	net := &fakeNetwork{actors: make(map[string]*receptionist.Actor)}

	regA := receptionist.NewRegistry("node-a")
	regB := receptionist.NewRegistry("node-b")

	startActor(t, net, "a", regA, []string{"b"})
	startActor(t, net, "b", regB, []string{"a"})

	key := receptionist.NewServiceKey("svc", "T")
	_, err := regA.Register(key, "clusterkit://sys@a/user/worker-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(regB.Find(key)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, regA.Deregister(key, "clusterkit://sys@a/user/worker-1"))

	require.Eventually(t, func() bool {
		return len(regB.Find(key)) == 0
	}, time.Second, 5*time.Millisecond, "deregistration should propagate to node-b")
}
