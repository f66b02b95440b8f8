package receptionist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/receptionist"
)

func TestRegisterAndFind(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("worker-pool", "WorkRequest")

	_, err := r.Register(key, "clusterkit://sys@a:2551/user/worker-1")
	require.NoError(t, err)
	_, err = r.Register(key, "clusterkit://sys@a:2551/user/worker-2")
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		"clusterkit://sys@a:2551/user/worker-1",
		"clusterkit://sys@a:2551/user/worker-2",
	}, r.Find(key))
}

func TestRegisterRejectsTypeMismatch(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key1 := receptionist.NewServiceKey("svc", "TypeA")
	key2 := receptionist.NewServiceKey("svc", "TypeB")

	_, err := r.Register(key1, "path-1")
	require.NoError(t, err)

	_, err = r.Register(key2, "path-2")
	require.ErrorIs(t, err, receptionist.ErrServiceKeyTypeMismatch)
}

func TestDeregisterRemovesOnlyOwnEntries(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	_, err := r.Register(key, "path-1")
	require.NoError(t, err)

	// Deregistering a path this replica never registered is a no-op.
	require.NoError(t, r.Deregister(key, "someone-elses-path"))
	require.Equal(t, []string{"path-1"}, r.Find(key))

	require.NoError(t, r.Deregister(key, "path-1"))
	require.Empty(t, r.Find(key))
}

func TestMergeLastWriterWins(t *testing.T) {
	t.Parallel()

	local := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	remote := map[string]map[string]receptionist.Entry{
		key.Name: {
			"path-1": {Path: "path-1", MemberUID: "node-b", Counter: 5},
		},
	}

	changes := local.Merge(remote)
	require.Len(t, changes, 1)
	require.Equal(t, []string{"path-1"}, local.Find(key))

	// A stale duplicate with a lower counter must not win.
	stale := map[string]map[string]receptionist.Entry{
		key.Name: {
			"path-1": {
				Path: "path-1", MemberUID: "node-b", Counter: 3,
				Tombstone: true,
			},
		},
	}
	local.Merge(stale)
	require.Equal(t, []string{"path-1"}, local.Find(key),
		"lower counter tombstone must not undo a newer live entry")

	// A newer tombstone wins and removes the entry.
	removal := map[string]map[string]receptionist.Entry{
		key.Name: {
			"path-1": {
				Path: "path-1", MemberUID: "node-b", Counter: 6,
				Tombstone: true,
			},
		},
	}
	local.Merge(removal)
	require.Empty(t, local.Find(key))
}

func TestMergeTombstoneWinsOnCounterTie(t *testing.T) {
	t.Parallel()

	local := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	local.Merge(map[string]map[string]receptionist.Entry{
		key.Name: {"path-1": {Path: "path-1", MemberUID: "node-b", Counter: 5}},
	})
	require.Equal(t, []string{"path-1"}, local.Find(key))

	local.Merge(map[string]map[string]receptionist.Entry{
		key.Name: {
			"path-1": {
				Path: "path-1", MemberUID: "node-b", Counter: 5,
				Tombstone: true,
			},
		},
	})
	require.Empty(t, local.Find(key),
		"tombstone must win a counter tie against a live entry")
}

func TestPurgeMemberTombstonesOwnedEntries(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	_, err := r.Register(key, "path-1")
	require.NoError(t, err)

	r.Merge(map[string]map[string]receptionist.Entry{
		key.Name: {"path-remote": {Path: "path-remote", MemberUID: "node-b", Counter: 1}},
	})
	require.ElementsMatch(t, []string{"path-1", "path-remote"}, r.Find(key))

	changes := r.PurgeMember("node-b")
	require.Len(t, changes, 1)
	require.Equal(t, []string{"path-1"}, r.Find(key))
}

func TestSubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	ch, unsubscribe := r.Subscribe(4)
	defer unsubscribe()

	_, err := r.Register(key, "path-1")
	require.NoError(t, err)

	change := <-ch
	require.Equal(t, "path-1", change.Entry.Path)
	require.False(t, change.Entry.Tombstone)
}

func TestSubscribeKeyDeliversGrowingListing(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("data-processor-pool", "WorkRequest")

	listings, unsubscribe := r.SubscribeKey(key, 4)
	defer unsubscribe()

	require.Empty(t, <-listings)

	_, err := r.Register(key, "worker-1")
	require.NoError(t, err)
	require.Len(t, <-listings, 1)

	_, err = r.Register(key, "worker-2")
	require.NoError(t, err)
	require.Len(t, <-listings, 2)

	_, err = r.Register(key, "worker-3")
	require.NoError(t, err)
	require.Len(t, <-listings, 3)
}

func TestKeysListsOnlyLiveRegistrations(t *testing.T) {
	t.Parallel()

	r := receptionist.NewRegistry("node-a")
	key := receptionist.NewServiceKey("svc", "T")

	_, err := r.Register(key, "path-1")
	require.NoError(t, err)
	require.Equal(t, []string{"svc"}, r.Keys())

	require.NoError(t, r.Deregister(key, "path-1"))
	require.Empty(t, r.Keys())
}
