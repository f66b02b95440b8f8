package clusterkit_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/clusterkit"
	"github.com/clusterkit/clusterkit/internal/receptionist"
	"github.com/clusterkit/clusterkit/internal/sbr"
	"github.com/clusterkit/clusterkit/internal/sharding"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/store"
)

// portAllocator hands out distinct loopback addresses per test so parallel
// tests never collide on a listener.
var portMu sync.Mutex
var nextPort = 21001

func nextAddr(t *testing.T) string {
	t.Helper()
	portMu.Lock()
	defer portMu.Unlock()
	addr := fmt.Sprintf("127.0.0.1:%d", nextPort)
	nextPort++
	return addr
}

func fastConfig(t *testing.T, addr string, withStore bool) clusterkit.Config {
	t.Helper()

	cfg := clusterkit.DefaultConfig(addr)
	cfg.Transport.ListenAddr = addr
	cfg.Membership.GossipInterval = 10 * time.Millisecond
	cfg.Membership.StableAfter = 30 * time.Millisecond
	cfg.Receptionist.GossipInterval = 10 * time.Millisecond
	cfg.SBR.Strategy = sbr.KeepMajority{}
	cfg.SBR.StableAfter = 30 * time.Millisecond
	cfg.SBR.CheckInterval = 10 * time.Millisecond

	if withStore {
		dir := t.TempDir()
		cfg.Store = store.SqliteConfig{
			DatabaseFileName:      filepath.Join(dir, "clusterkit.db"),
			SkipMigrationDBBackup: true,
		}
	}

	return cfg
}

func startSystem(t *testing.T, cfg clusterkit.Config) *clusterkit.System {
	t.Helper()

	sys, err := clusterkit.New(cfg)
	require.NoError(t, err)

	require.NoError(t, sys.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})

	return sys
}

func TestTwoSystemsConvergeMembership(t *testing.T) {
	t.Parallel()

	addrA := nextAddr(t)
	addrB := nextAddr(t)

	sysA := startSystem(t, fastConfig(t, addrA, false))
	sysB := startSystem(t, fastConfig(t, addrB, false))

	sysA.Join([]string{addrB})
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		snap := sysA.Members(context.Background())
		return len(snap.UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := sysB.Members(context.Background())
		return len(snap.UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReceptionistFindsRemoteRegistration(t *testing.T) {
	t.Parallel()

	addrA := nextAddr(t)
	addrB := nextAddr(t)

	sysA := startSystem(t, fastConfig(t, addrA, false))
	sysB := startSystem(t, fastConfig(t, addrB, false))

	sysA.Join([]string{addrB})
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		return len(sysA.Members(context.Background()).UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	key := receptionist.NewServiceKey("greeter", "GreeterRef")
	_, err := sysB.Register(key, addrB+"/greeter")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sysA.Find(key)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, []string{addrB + "/greeter"}, sysA.Find(key))
}

func TestPubSubDeliversAcrossMembers(t *testing.T) {
	t.Parallel()

	addrA := nextAddr(t)
	addrB := nextAddr(t)

	sysA := startSystem(t, fastConfig(t, addrA, false))
	sysB := startSystem(t, fastConfig(t, addrB, false))

	sysA.Join([]string{addrB})
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		return len(sysA.Members(context.Background()).UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	topicA := sysA.Topic("alerts", "Alert")
	topicB := sysB.Topic("alerts", "Alert")

	var mu sync.Mutex
	var received []byte
	topicB.Subscribe(func(_ context.Context, payload []byte) {
		mu.Lock()
		received = payload
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		topicA.Publish(context.Background(), []byte("fire"))
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("fire"), received)
}

func TestSingletonConvergesToOneOwner(t *testing.T) {
	t.Parallel()

	addrA := nextAddr(t)
	addrB := nextAddr(t)

	sysA := startSystem(t, fastConfig(t, addrA, true))
	sysB := startSystem(t, fastConfig(t, addrB, true))

	sysA.Join([]string{addrB})
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		return len(sysA.Members(context.Background()).UpMembers()) == 2 &&
			len(sysB.Members(context.Background()).UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	var starts int32
	var mu sync.Mutex
	factory := func(ctx context.Context) singleton.Instance {
		mu.Lock()
		starts++
		mu.Unlock()
		return noopInstance{}
	}

	cfg := singleton.Config{Name: "test-leader", ReevaluateInterval: 10 * time.Millisecond}
	mgrA, err := sysA.Singleton(cfg, factory)
	require.NoError(t, err)
	mgrB, err := sysB.Singleton(cfg, factory)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		addrFromA, okA := mgrA.OwnerAddress()
		addrFromB, okB := mgrB.OwnerAddress()
		return okA && okB && addrFromA == addrFromB
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), starts)
}

type noopInstance struct{}

func (noopInstance) Stop(context.Context) {}

type pingMsg struct {
	EntityID string
	Seq      int
}

type echoEntity struct {
	mu       sync.Mutex
	received []int
}

func (e *echoEntity) Receive(_ context.Context, msg interface{}) {
	ping, ok := msg.(*pingMsg)
	if !ok {
		return
	}
	e.mu.Lock()
	e.received = append(e.received, ping.Seq)
	e.mu.Unlock()
}

func (e *echoEntity) Stop(context.Context) {}

func (e *echoEntity) seqs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.received))
	copy(out, e.received)
	return out
}

func TestShardedEntityRoutesAcrossMembers(t *testing.T) {
	t.Parallel()

	addrA := nextAddr(t)
	addrB := nextAddr(t)

	sysA := startSystem(t, fastConfig(t, addrA, true))
	sysB := startSystem(t, fastConfig(t, addrB, true))

	sysA.Join([]string{addrB})
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		return len(sysA.Members(context.Background()).UpMembers()) == 2 &&
			len(sysB.Members(context.Background()).UpMembers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	sysA.RegisterMessageType("ping", func() any { return new(pingMsg) })
	sysB.RegisterMessageType("ping", func() any { return new(pingMsg) })

	entities := make(map[string]*echoEntity)
	var mu sync.Mutex
	factory := func(entityID string) sharding.Entity {
		mu.Lock()
		defer mu.Unlock()
		e := &echoEntity{}
		entities[entityID] = e
		return e
	}

	extractor := sharding.HashExtractor{
		EntityIDFunc: func(msg interface{}) string {
			return msg.(*pingMsg).EntityID
		},
	}

	entityTypeA, err := sysA.NewEntityType(clusterkit.EntityTypeConfig{
		EntityType: "counters",
		NumShards:  4,
		Extractor:  extractor,
		Factory:    factory,
	})
	require.NoError(t, err)

	entityTypeB, err := sysB.NewEntityType(clusterkit.EntityTypeConfig{
		EntityType: "counters",
		NumShards:  4,
		Extractor:  extractor,
		Factory:    factory,
	})
	require.NoError(t, err)

	deliver := func(et *clusterkit.EntityType, seq int) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return et.Deliver(ctx, &pingMsg{EntityID: "e1", Seq: seq}) == nil
	}

	require.Eventually(t, func() bool {
		return deliver(entityTypeA, 1)
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return deliver(entityTypeB, 2)
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		e, ok := entities["e1"]
		mu.Unlock()
		return ok && len(e.seqs()) == 2
	}, 5*time.Second, 20*time.Millisecond)
}
