package admin_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/admin"
	"github.com/clusterkit/clusterkit/internal/clusterkit"
	"github.com/clusterkit/clusterkit/internal/sbr"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/store"
)

var portMu sync.Mutex
var nextPort = 23001

func nextAddr(t *testing.T) string {
	t.Helper()
	portMu.Lock()
	defer portMu.Unlock()
	addr := fmt.Sprintf("127.0.0.1:%d", nextPort)
	nextPort++
	return addr
}

func startSystem(t *testing.T) (*clusterkit.System, string) {
	t.Helper()

	addr := nextAddr(t)
	cfg := clusterkit.DefaultConfig(addr)
	cfg.Transport.ListenAddr = addr
	cfg.Membership.GossipInterval = 10 * time.Millisecond
	cfg.Membership.StableAfter = 30 * time.Millisecond
	cfg.SBR.Strategy = sbr.KeepMajority{}
	cfg.SBR.StableAfter = 30 * time.Millisecond
	cfg.SBR.CheckInterval = 10 * time.Millisecond

	dir := t.TempDir()
	cfg.Store = store.SqliteConfig{
		DatabaseFileName:      filepath.Join(dir, "clusterkit.db"),
		SkipMigrationDBBackup: true,
	}

	sys, err := clusterkit.New(cfg)
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})

	return sys, addr
}

// testHarness wraps a System's admin Server behind httptest, giving the
// Client something to dial without binding a real admin listener port.
type testHarness struct {
	client *admin.Client
	http   *httptest.Server
}

func newHarness(t *testing.T, sys *clusterkit.System) *testHarness {
	t.Helper()

	srv := admin.NewServer(sys, "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHarness{
		client: admin.NewClient(ts.Listener.Addr().String()),
		http:   ts,
	}
}

func TestAdminMembers(t *testing.T) {
	t.Parallel()

	sys, addr := startSystem(t)
	h := newHarness(t, sys)

	members, err := h.client.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, addr, members[0].Address)
}

func TestAdminJoinAndDown(t *testing.T) {
	t.Parallel()

	sysA, addrA := startSystem(t)
	sysB, addrB := startSystem(t)
	hA := newHarness(t, sysA)

	require.NoError(t, hA.client.Join(context.Background(), []string{addrB}))
	sysB.Join([]string{addrA})

	require.Eventually(t, func() bool {
		members, err := hA.client.Members(context.Background())
		return err == nil && len(members) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, hA.client.MembersDown(context.Background(), addrB))
}

func TestAdminSingletonStatus(t *testing.T) {
	t.Parallel()

	sys, _ := startSystem(t)
	h := newHarness(t, sys)

	_, known, err := h.client.SingletonStatus(context.Background(), "unknown-singleton")
	require.NoError(t, err)
	require.False(t, known)

	cfg := singleton.Config{Name: "leader", ReevaluateInterval: 10 * time.Millisecond}
	_, err = sys.Singleton(cfg, func(ctx context.Context) singleton.Instance {
		return noopInstance{}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		owner, known, err := h.client.SingletonStatus(context.Background(), "leader")
		return err == nil && known && owner != ""
	}, 5*time.Second, 20*time.Millisecond)
}

type noopInstance struct{}

func (noopInstance) Stop(context.Context) {}
