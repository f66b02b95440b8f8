package sbr_test

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/sbr"
)

// TestKeepMajorityPartitionInvariant checks, over randomly generated
// bipartitioned snapshots, that KeepMajority.Survives agrees with the
// strategy's documented contract: the strictly larger side always
// survives, and an exact tie is broken in favor of whichever side holds
// the lowest-address member.
func TestKeepMajorityPartitionInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 9).Draw(t, "n")

		members := make([]membership.Member, n)
		for i := 0; i < n; i++ {
			members[i] = membership.Member{
				Address: fmt.Sprintf("n%02d", i),
				UID:     fmt.Sprintf("n%02d-uid", i),
				Status:  membership.Up,
			}
		}

		selfIdx := rapid.IntRange(0, n-1).Draw(t, "selfIdx")
		self := members[selfIdx]

		// Every other member independently lands in self's own partition
		// or the opposing one.
		other := make([]membership.Member, 0, n)
		reach := membership.NewReachability()
		ownCount := 1
		for i, m := range members {
			if i == selfIdx {
				continue
			}
			if rapid.Bool().Draw(t, fmt.Sprintf("side-%d", i)) {
				ownCount++
				continue
			}
			other = append(other, m)
			reach.MarkUnreachable(self.Address, m.Address)
		}

		snap := membership.Snapshot{Members: members, Reachability: reach}
		otherCount := len(other)

		survives := sbr.KeepMajority{}.Survives(snap, self)

		switch {
		case ownCount > otherCount:
			if !survives {
				t.Fatalf("own partition of %d beats other's %d but did not survive",
					ownCount, otherCount)
			}
		case ownCount < otherCount:
			if survives {
				t.Fatalf("own partition of %d loses to other's %d but survived",
					ownCount, otherCount)
			}
		default:
			lowest, _ := snap.Oldest()
			wantSurvive := lowest.Address == self.Address || !reach.IsUnreachable(lowest.Address)
			if survives != wantSurvive {
				t.Fatalf("tie at %d/%d: survives=%v but lowest-address member %q reachable=%v",
					ownCount, otherCount, survives, lowest.Address, wantSurvive)
			}
		}
	})
}
