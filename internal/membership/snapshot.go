package membership

// Snapshot is a read-only view of converged cluster state, handed to
// observers (the split-brain resolver, the shard coordinator, cluster
// singleton managers) without exposing the membership actor's mutable
// internals. All reads of shared membership state take a Snapshot rather
// than touching the gossip actor's own maps, per the "no user-visible lock
// discipline" rule.
type Snapshot struct {
	Members      []Member
	Reachability Reachability
	Version      VectorClock
}

// byAddress indexes Members for repeated lookups.
func (s Snapshot) byAddress() map[string]Member {
	idx := make(map[string]Member, len(s.Members))
	for _, m := range s.Members {
		idx[m.Address] = m
	}
	return idx
}

// UpMembers returns members currently in the Up status, in ring order.
func (s Snapshot) UpMembers() []Member {
	var up []Member
	for _, m := range SortMembers(s.Members) {
		if m.Status == Up {
			up = append(up, m)
		}
	}
	return up
}

// ReachableUpMembers returns Up members this snapshot does not consider
// unreachable.
func (s Snapshot) ReachableUpMembers() []Member {
	var out []Member
	for _, m := range s.UpMembers() {
		if !s.Reachability.IsUnreachable(m.Address) {
			out = append(out, m)
		}
	}
	return out
}

// UnreachableUpMembers returns Up members this snapshot considers
// unreachable.
func (s Snapshot) UnreachableUpMembers() []Member {
	var out []Member
	for _, m := range s.UpMembers() {
		if s.Reachability.IsUnreachable(m.Address) {
			out = append(out, m)
		}
	}
	return out
}

// Leader returns the lowest-ordered member, under any non-terminal status,
// that is itself reachable (not present in any observer's unreachable
// set). The leader drives convergence transitions -- including promoting
// Joining members to Up -- so it cannot be restricted to members already
// Up, or a cluster could never perform its very first promotion. Down and
// Removed members are never eligible.
func (s Snapshot) Leader() (Member, bool) {
	for _, m := range SortMembers(s.Members) {
		if m.Status == Down || m.Status == Removed {
			continue
		}
		if s.Reachability.IsUnreachable(m.Address) {
			continue
		}
		return m, true
	}
	return Member{}, false
}

// Oldest returns the lowest-ordered Up member regardless of reachability,
// used for cluster singleton placement and keep-oldest SBR.
func (s Snapshot) Oldest() (Member, bool) {
	up := s.UpMembers()
	if len(up) == 0 {
		return Member{}, false
	}
	return up[0], true
}

// MemberByAddress looks up a member by its address.
func (s Snapshot) MemberByAddress(addr string) (Member, bool) {
	m, ok := s.byAddress()[addr]
	return m, ok
}
