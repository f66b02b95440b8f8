package sbr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/sbr"
)

func upMember(addr string) membership.Member {
	return membership.Member{Address: addr, UID: addr + "-uid", Status: membership.Up}
}

func fiveNodeSnapshot(unreachableFrom string, unreachable ...string) membership.Snapshot {
	members := []membership.Member{
		upMember("n1"), upMember("n2"), upMember("n3"),
		upMember("n4"), upMember("n5"),
	}

	reach := membership.NewReachability()
	for _, addr := range unreachable {
		reach.MarkUnreachable(unreachableFrom, addr)
	}

	return membership.Snapshot{Members: members, Reachability: reach}
}

func TestKeepMajoritySurvivesWithMoreThanHalf(t *testing.T) {
	t.Parallel()

	// n1 observes n4, n5 unreachable -- n1,n2,n3 form the majority side.
	snap := fiveNodeSnapshot("n1", "n4", "n5")

	strat := sbr.KeepMajority{}
	require.True(t, strat.Survives(snap, upMember("n1")))
}

func TestKeepMajorityMinoritySideDowns(t *testing.T) {
	t.Parallel()

	snap := fiveNodeSnapshot("n4", "n1", "n2", "n3")

	strat := sbr.KeepMajority{}
	require.False(t, strat.Survives(snap, upMember("n4")))
}

func TestKeepMajorityTieBrokenByLowestAddress(t *testing.T) {
	t.Parallel()

	members := []membership.Member{upMember("n1"), upMember("n2"),
		upMember("n3"), upMember("n4")}
	reach := membership.NewReachability()
	reach.MarkUnreachable("n1", "n3")
	reach.MarkUnreachable("n1", "n4")
	snap := membership.Snapshot{Members: members, Reachability: reach}

	strat := sbr.KeepMajority{}

	require.True(t, strat.Survives(snap, upMember("n1")),
		"partition with lowest address n1 wins the tie")
}

func TestKeepOldestDownIfAlone(t *testing.T) {
	t.Parallel()

	members := []membership.Member{upMember("n1"), upMember("n2"), upMember("n3")}
	reach := membership.NewReachability()
	reach.MarkUnreachable("n1", "n2")
	reach.MarkUnreachable("n1", "n3")
	snap := membership.Snapshot{Members: members, Reachability: reach}

	strat := sbr.KeepOldest{DownIfAlone: true}
	require.False(t, strat.Survives(snap, upMember("n1")),
		"the oldest member downs itself when alone with DownIfAlone set")
}

func TestStaticQuorumRequiresN(t *testing.T) {
	t.Parallel()

	snap := fiveNodeSnapshot("n1", "n4", "n5")

	strat := sbr.StaticQuorum{N: 3}
	require.True(t, strat.Survives(snap, upMember("n1")))

	strat2 := sbr.StaticQuorum{N: 4}
	require.False(t, strat2.Survives(snap, upMember("n1")))
}

func TestKeepRefereeRequiresRefereeReachable(t *testing.T) {
	t.Parallel()

	snap := fiveNodeSnapshot("n1", "n4", "n5")

	strat := sbr.KeepReferee{RefereeAddr: "n2", N: 2}
	require.True(t, strat.Survives(snap, upMember("n1")))

	strat2 := sbr.KeepReferee{RefereeAddr: "n4", N: 2}
	require.False(t, strat2.Survives(snap, upMember("n1")))
}

func TestDownAllNeverSurvives(t *testing.T) {
	t.Parallel()

	snap := fiveNodeSnapshot("n1")
	require.False(t, sbr.DownAll{}.Survives(snap, upMember("n1")))
}

func TestResolverRequiresFullStableWindow(t *testing.T) {
	t.Parallel()

	r := sbr.NewResolver(sbr.KeepMajority{}, 20*time.Second, true)
	snap := fiveNodeSnapshot("n1", "n4", "n5")

	now := time.Now()

	_, acted := r.Decide(snap, upMember("n1"), now,
		now.Add(-19*time.Second), time.Time{})
	require.False(t, acted, "stableAfter barely not met must not act")

	decision, acted := r.Decide(snap, upMember("n1"), now,
		now.Add(-21*time.Second), time.Time{})
	require.True(t, acted)
	require.True(t, decision.Survives)
	require.ElementsMatch(t, []string{"n4", "n5"}, decision.ToDown)
}

func TestResolverForcesDownAllWhenFlappingTooLong(t *testing.T) {
	t.Parallel()

	r := sbr.NewResolver(sbr.KeepMajority{}, 20*time.Second, true)
	snap := fiveNodeSnapshot("n1", "n4")

	now := time.Now()
	decision, acted := r.Decide(snap, upMember("n1"), now,
		time.Time{}, now.Add(-141*time.Second))

	require.True(t, acted)
	require.False(t, decision.Survives)
	require.NotEmpty(t, decision.DownAllCause)
	require.Len(t, decision.ToDown, 5)
}
