// Package sbr implements the split-brain resolver: deterministic downing
// functions that run independently on every Up member and must agree on
// the same decision given the same converged membership snapshot.
package sbr

import (
	"time"

	"github.com/clusterkit/clusterkit/internal/membership"
)

// Strategy is a deterministic decision function over a converged
// membership snapshot: given this member's own partition (the set of
// members it still considers reachable, including itself), decide whether
// this member's partition survives.
type Strategy interface {
	// Survives reports whether the partition containing self should
	// remain Up. Every member's own snapshot already encodes which
	// peers it considers unreachable, so calling this independently on
	// every member with their own snapshot is how the resolvers
	// converge without needing a round of voting.
	Survives(snap membership.Snapshot, self membership.Member) bool

	// Name identifies the strategy for config/logging purposes.
	Name() string
}

// partitionOf splits snap's Up members into the partition containing self
// (reachable from self, including self) and everyone else.
func partitionOf(snap membership.Snapshot, self membership.Member) (
	own, other []membership.Member) {

	for _, m := range snap.UpMembers() {
		if m.Address == self.Address || !snap.Reachability.IsUnreachable(m.Address) {
			own = append(own, m)
		} else {
			other = append(other, m)
		}
	}

	return own, other
}

// KeepMajority survives iff this partition holds a strict majority of Up
// members; ties are broken in favor of the partition containing the
// lowest-address member.
type KeepMajority struct{}

func (KeepMajority) Name() string { return "keep-majority" }

func (KeepMajority) Survives(snap membership.Snapshot, self membership.Member) bool {
	own, other := partitionOf(snap, self)

	if len(own) != len(other) {
		return len(own) > len(other)
	}

	lowest, ok := snap.Oldest()
	if !ok {
		return false
	}

	for _, m := range own {
		if m.Address == lowest.Address {
			return true
		}
	}
	return false
}

// KeepOldest survives iff this partition contains the oldest Up member (by
// join order, i.e. lowest in ring order). With DownIfAlone set, the oldest
// member downs itself when it finds itself alone in its own partition.
type KeepOldest struct {
	DownIfAlone bool
}

func (KeepOldest) Name() string { return "keep-oldest" }

func (s KeepOldest) Survives(snap membership.Snapshot, self membership.Member) bool {
	oldest, ok := snap.Oldest()
	if !ok {
		return false
	}

	own, _ := partitionOf(snap, self)

	var hasOldest bool
	for _, m := range own {
		if m.Address == oldest.Address {
			hasOldest = true
			break
		}
	}

	if hasOldest && s.DownIfAlone && len(own) == 1 {
		return false
	}

	return hasOldest
}

// StaticQuorum survives iff the reachable partition has at least N members
// carrying Role (or any role, if Role is empty).
type StaticQuorum struct {
	N    int
	Role string
}

func (StaticQuorum) Name() string { return "static-quorum" }

func (s StaticQuorum) Survives(snap membership.Snapshot, self membership.Member) bool {
	own, _ := partitionOf(snap, self)

	count := 0
	for _, m := range own {
		if s.Role == "" || m.HasRole(s.Role) {
			count++
		}
	}

	return count >= s.N
}

// KeepReferee survives iff a designated referee address is reachable in
// this partition AND the partition has at least N members.
type KeepReferee struct {
	RefereeAddr string
	N           int
}

func (KeepReferee) Name() string { return "keep-referee" }

func (s KeepReferee) Survives(snap membership.Snapshot, self membership.Member) bool {
	own, _ := partitionOf(snap, self)

	if len(own) < s.N {
		return false
	}

	for _, m := range own {
		if m.Address == s.RefereeAddr {
			return true
		}
	}
	return false
}

// DownAll never lets any partition survive -- used when a deployment
// prefers unavailability over any risk of a split-brain write.
type DownAll struct{}

func (DownAll) Name() string { return "down-all" }

func (DownAll) Survives(membership.Snapshot, membership.Member) bool {
	return false
}

// Decision is the outcome of running a Strategy for this member: whether
// self's own partition survives, and which addresses (across the whole
// snapshot) should be transitioned to Down as a result.
type Decision struct {
	Survives     bool
	ToDown       []string
	DownAllCause string // set only when an instability timeout forced down-all
}

// Resolver runs a Strategy only after observing StableAfter of
// uninterrupted reachability convergence, and forces a down-all decision
// if the cluster has been flapping for longer than UnstableFor (default
// 7x StableAfter), matching spec §4.G.
type Resolver struct {
	Strategy            Strategy
	StableAfter         time.Duration
	DownAllWhenUnstable bool
	UnstableFor         time.Duration
}

// NewResolver returns a Resolver with DownAllWhenUnstable's timeout
// defaulted to 7x stableAfter, per spec.
func NewResolver(strategy Strategy, stableAfter time.Duration,
	downAllWhenUnstable bool) Resolver {

	return Resolver{
		Strategy:            strategy,
		StableAfter:         stableAfter,
		DownAllWhenUnstable: downAllWhenUnstable,
		UnstableFor:         7 * stableAfter,
	}
}

// Decide evaluates the resolver given how long reachability has been
// stable (stableSince zero value means "currently unstable") and since when
// it has been unstable (unstableSince, zero when stable). It
// returns (Decision{}, false) when the resolver should not act yet --
// either because the stable window hasn't been met, or because it has been
// violated before completing.
func (r Resolver) Decide(snap membership.Snapshot, self membership.Member,
	now time.Time, stableSince time.Time, unstableSince time.Time) (Decision, bool) {

	if r.DownAllWhenUnstable && !unstableSince.IsZero() &&
		now.Sub(unstableSince) >= r.UnstableFor {

		return Decision{
			Survives:     false,
			ToDown:       allAddresses(snap),
			DownAllCause: "flapping longer than unstable-for timeout",
		}, true
	}

	if stableSince.IsZero() || now.Sub(stableSince) < r.StableAfter {
		return Decision{}, false
	}

	survives := r.Strategy.Survives(snap, self)

	var toDown []string
	if survives {
		_, other := partitionOf(snap, self)
		for _, m := range other {
			toDown = append(toDown, m.Address)
		}
	} else {
		toDown = []string{self.Address}
	}

	return Decision{Survives: survives, ToDown: toDown}, true
}

func allAddresses(snap membership.Snapshot) []string {
	out := make([]string, 0, len(snap.Members))
	for _, m := range snap.Members {
		out = append(out, m.Address)
	}
	return out
}
