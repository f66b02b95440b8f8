package singleton_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/singleton"
)

// fakeLeaseStore is an in-memory stand-in for internal/store's lease
// queries, avoiding a sqlite dependency in these tests.
type fakeLeaseStore struct {
	mu     sync.Mutex
	leases map[string]singleton.Lease
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{leases: make(map[string]singleton.Lease)}
}

func (s *fakeLeaseStore) AcquireLease(_ context.Context, name, ownerAddr, ownerUID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[name]
	if ok && existing.OwnerUID != ownerUID {
		return singleton.ErrLeaseHeldByOther
	}
	s.leases[name] = singleton.Lease{OwnerAddress: ownerAddr, OwnerUID: ownerUID, AcquiredAt: now}
	return nil
}

func (s *fakeLeaseStore) ForceAcquireLease(_ context.Context, name, ownerAddr, ownerUID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases[name] = singleton.Lease{OwnerAddress: ownerAddr, OwnerUID: ownerUID, AcquiredAt: now}
	return nil
}

func (s *fakeLeaseStore) ReleaseLease(_ context.Context, name, ownerUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[name]; ok && existing.OwnerUID == ownerUID {
		delete(s.leases, name)
	}
	return nil
}

func (s *fakeLeaseStore) CurrentLease(_ context.Context, name string) (singleton.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[name]
	return lease, ok, nil
}

type countingInstance struct {
	stopped *bool
}

func (i *countingInstance) Stop(context.Context) {
	*i.stopped = true
}

type fakeGossiper struct {
	mu     sync.Mutex
	actors map[string]*membership.Actor
}

func (g *fakeGossiper) SendGossip(_ context.Context, peerAddr string, payload membership.GossipPayload) error {
	g.mu.Lock()
	target, ok := g.actors[peerAddr]
	g.mu.Unlock()

	if ok {
		target.OnGossipReceived(payload)
	}
	return nil
}

func startMember(t *testing.T, g *fakeGossiper, addr string) (*membership.Actor, *membership.Bus) {
	t.Helper()

	cfg := membership.DefaultConfig(addr)
	cfg.GossipInterval = 5 * time.Millisecond
	cfg.StableAfter = 10 * time.Millisecond

	bus := membership.NewBus()
	a := membership.NewActor(cfg, g, bus)

	g.mu.Lock()
	g.actors[addr] = a
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})

	return a, bus
}

func TestSingleMemberClusterRunsSingletonImmediately(t *testing.T) {
	t.Parallel()

	g := &fakeGossiper{actors: make(map[string]*membership.Actor)}
	member, bus := startMember(t, g, "a:2551")

	require.Eventually(t, func() bool {
		self, ok := member.Snapshot(context.Background()).MemberByAddress("a:2551")
		return ok && self.Status == membership.Up
	}, time.Second, time.Millisecond, "single member should converge to Up")

	store := newFakeLeaseStore()
	var stopped bool
	factory := func(context.Context) singleton.Instance {
		return &countingInstance{stopped: &stopped}
	}

	cfg := singleton.DefaultConfig("metrics-aggregator")
	cfg.ReevaluateInterval = 5 * time.Millisecond
	mgr := singleton.NewManager(cfg, factory, store, member, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	t.Cleanup(mgr.Stop)

	require.Eventually(t, func() bool {
		addr, ok := mgr.OwnerAddress()
		return ok && addr == "a:2551"
	}, time.Second, time.Millisecond)
}

func TestProxyBuffersUntilOwnerKnownThenFlushes(t *testing.T) {
	t.Parallel()

	g := &fakeGossiper{actors: make(map[string]*membership.Actor)}
	member, bus := startMember(t, g, "a:2551")

	store := newFakeLeaseStore()
	var stopped bool
	factory := func(context.Context) singleton.Instance {
		return &countingInstance{stopped: &stopped}
	}

	cfg := singleton.DefaultConfig("metrics-aggregator")
	cfg.ReevaluateInterval = 5 * time.Millisecond
	mgr := singleton.NewManager(cfg, factory, store, member, bus)

	var mu sync.Mutex
	var delivered []testMsg

	sender := func(_ context.Context, addr string, msg testMsg) error {
		mu.Lock()
		delivered = append(delivered, msg)
		mu.Unlock()
		return nil
	}

	proxy := singleton.NewProxy[testMsg]("aggregator-proxy", mgr, sender)
	require.Equal(t, "aggregator-proxy", proxy.ID())

	// Before the manager has started, no owner is known: messages buffer.
	proxy.Tell(context.Background(), testMsg{n: 1})
	proxy.Tell(context.Background(), testMsg{n: 2})

	mu.Lock()
	require.Empty(t, delivered)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	t.Cleanup(mgr.Stop)
	go proxy.Run(ctx)
	t.Cleanup(proxy.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, time.Millisecond)
}

type testMsg struct {
	actor.BaseMessage
	n int
}

func (testMsg) MessageType() string { return "TestMsg" }
