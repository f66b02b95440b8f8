package store_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/store"
)

func newTestStore(t *testing.T) *store.SqliteStore {
	t.Helper()

	dir := t.TempDir()
	cfg := &store.SqliteConfig{
		DatabaseFileName:      filepath.Join(dir, "clusterkit.db"),
		SkipMigrationDBBackup: true,
	}

	s, err := store.NewSqliteStore(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestAcquireLeaseIsExclusive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, s.AcquireLease(ctx, "metrics-aggregator", "a:2551", "uid-a", now))

	// Re-acquiring with the same owner is idempotent.
	require.NoError(t, s.AcquireLease(ctx, "metrics-aggregator", "a:2551", "uid-a", now.Add(time.Second)))

	// A different owner is rejected while the lease is held.
	err := s.AcquireLease(ctx, "metrics-aggregator", "b:2551", "uid-b", now)
	require.ErrorIs(t, err, store.ErrLeaseHeldByOther)

	lease, ok, err := s.CurrentLease(ctx, "metrics-aggregator")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "uid-a", lease.OwnerUID)
	require.Equal(t, "a:2551", lease.OwnerAddr)
}

func TestReleaseLeaseOnlyByOwner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, s.AcquireLease(ctx, "singleton-x", "a:2551", "uid-a", now))

	// A non-owner's release attempt is a silent no-op.
	require.NoError(t, s.ReleaseLease(ctx, "singleton-x", "uid-b"))
	_, ok, err := s.CurrentLease(ctx, "singleton-x")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "singleton-x", "uid-a"))
	_, ok, err = s.CurrentLease(ctx, "singleton-x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestForceAcquireLeaseOverwritesOwner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, s.AcquireLease(ctx, "singleton-x", "a:2551", "uid-a", now))

	require.NoError(t, s.ForceAcquireLease(ctx, "singleton-x", "b:2551", "uid-b", now.Add(time.Minute)))

	lease, ok, err := s.CurrentLease(ctx, "singleton-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "uid-b", lease.OwnerUID)
}

func TestCurrentLeaseMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, ok, err := s.CurrentLease(context.Background(), "never-acquired")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRememberAndForgetEntity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RememberEntity(ctx, "Order", 3, "order-1", 1000))
	require.NoError(t, s.RememberEntity(ctx, "Order", 3, "order-2", 1001))

	// Remembering the same entity twice is idempotent.
	require.NoError(t, s.RememberEntity(ctx, "Order", 3, "order-1", 1002))

	ids, err := s.RememberedEntitiesForShard(ctx, "Order", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"order-1", "order-2"}, ids)

	require.NoError(t, s.ForgetEntity(ctx, "Order", 3, "order-1"))
	ids, err = s.RememberedEntitiesForShard(ctx, "Order", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"order-2"}, ids)
}

func TestForgetShardRemovesAllEntities(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RememberEntity(ctx, "Order", 3, "order-1", 1000))
	require.NoError(t, s.RememberEntity(ctx, "Order", 3, "order-2", 1000))
	require.NoError(t, s.RememberEntity(ctx, "Order", 4, "order-3", 1000))

	require.NoError(t, s.ForgetShard(ctx, "Order", 3))

	ids, err := s.RememberedEntitiesForShard(ctx, "Order", 3)
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = s.RememberedEntitiesForShard(ctx, "Order", 4)
	require.NoError(t, err)
	require.Equal(t, []string{"order-3"}, ids)
}

func TestSaveAndLoadAllocations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAllocation(ctx, "Order", 1, "a:2551", 1000))
	require.NoError(t, s.SaveAllocation(ctx, "Order", 2, "b:2551", 1000))

	// Overwriting an existing allocation updates in place.
	require.NoError(t, s.SaveAllocation(ctx, "Order", 1, "c:2551", 1001))

	allocations, err := s.LoadAllocations(ctx, "Order")
	require.NoError(t, err)
	require.Equal(t, map[uint32]string{1: "c:2551", 2: "b:2551"}, allocations)
}

func TestClearAllocationsForMember(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAllocation(ctx, "Order", 1, "a:2551", 1000))
	require.NoError(t, s.SaveAllocation(ctx, "Order", 2, "a:2551", 1000))
	require.NoError(t, s.SaveAllocation(ctx, "Order", 3, "b:2551", 1000))

	require.NoError(t, s.ClearAllocationsForMember(ctx, "a:2551"))

	allocations, err := s.LoadAllocations(ctx, "Order")
	require.NoError(t, err)
	require.Equal(t, map[uint32]string{3: "b:2551"}, allocations)
}

func TestRemoveAllocation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAllocation(ctx, "Order", 1, "a:2551", 1000))
	require.NoError(t, s.RemoveAllocation(ctx, "Order", 1))

	allocations, err := s.LoadAllocations(ctx, "Order")
	require.NoError(t, err)
	require.Empty(t, allocations)
}
