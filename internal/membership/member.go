package membership

import "sort"

// Status is a member's position in the cluster's monotonic lifecycle state
// machine. The only backward edge the system recognizes, Down to Removed
// aside, is disallowed: transitions only move forward through this list.
type Status int

const (
	Joining Status = iota
	WeaklyUp
	Up
	Leaving
	Exiting
	Down
	Removed
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "Joining"
	case WeaklyUp:
		return "WeaklyUp"
	case Up:
		return "Up"
	case Leaving:
		return "Leaving"
	case Exiting:
		return "Exiting"
	case Down:
		return "Down"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// validTransitions encodes the allowed forward edges of the member status
// machine. Down can only be reached from Leaving/Exiting/Up/WeaklyUp/Joining
// (an operator or SBR downing can happen from any live state); Removed is
// only reached from Down or Exiting.
var validTransitions = map[Status]map[Status]bool{
	Joining:  {WeaklyUp: true, Up: true, Down: true},
	WeaklyUp: {Up: true, Down: true, Leaving: true},
	Up:       {Leaving: true, Down: true},
	Leaving:  {Exiting: true, Down: true},
	Exiting:  {Removed: true, Down: true},
	Down:     {Removed: true},
	Removed:  {},
}

// CanTransition reports whether moving from s to next is a legal forward
// edge of the status machine.
func (s Status) CanTransition(next Status) bool {
	return validTransitions[s][next]
}

// Member is a single node participating in the cluster, identified by the
// pair (Address, UID) -- UID distinguishes successive incarnations of a
// process that rejoins under the same address.
type Member struct {
	Address string
	UID     string
	Roles   []string
	Status  Status
}

// HasRole reports whether the member carries the given role tag.
func (m Member) HasRole(role string) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Less orders members by (Address, UID), the canonical ring order leader
// election and oldest-member selection are both defined over.
func (m Member) Less(other Member) bool {
	if m.Address != other.Address {
		return m.Address < other.Address
	}
	return m.UID < other.UID
}

// SortMembers returns a new slice of members in canonical ring order.
func SortMembers(members []Member) []Member {
	sorted := make([]Member, len(members))
	copy(sorted, members)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	return sorted
}
