package receptionist

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrServiceKeyTypeMismatch is returned when a ServiceKey name is registered
// a second time with a different TypeTag than its first registration,
// mirroring the local actor system's Receptionist type check but enforced
// against the wire type tag rather than a Go generic parameter, since
// registrations travel between processes.
var ErrServiceKeyTypeMismatch = errors.New("receptionist: service key type mismatch")

// ServiceKey identifies a discoverable service by name. TypeTag is the same
// manifest string used by internal/wire's serializer registry, so a peer
// resolving a discovered path knows how to decode messages sent to it.
type ServiceKey struct {
	Name    string
	TypeTag string
}

// NewServiceKey returns a ServiceKey for the given name and wire type tag.
func NewServiceKey(name, typeTag string) ServiceKey {
	return ServiceKey{Name: name, TypeTag: typeTag}
}

// Entry is one registration: an addressable actor path, the member that
// owns it, and a per-owner monotonic counter used to order concurrent
// updates to the same path during a CRDT merge.
type Entry struct {
	Path      string
	MemberUID string
	Counter   uint64
	Tombstone bool
}

// Change describes an Entry transition applied during Register, Deregister,
// Merge, or PurgeMember, published to subscribers so components such as
// pubsub can react to a topic's peer set changing.
type Change struct {
	Key   ServiceKey
	Entry Entry
}

// Registry is the local replica of the cluster's service directory. All
// cross-member convergence happens through Snapshot/Merge; Registry itself
// holds no network connections.
type Registry struct {
	mu       sync.RWMutex
	selfUID  string
	counter  uint64
	entries  map[string]map[string]Entry // key name -> path -> Entry
	typeTags map[string]string           // key name -> TypeTag of first registration

	bus *Bus
}

// NewRegistry returns an empty Registry for a member identified by selfUID
// (the membership.Member.UID of the local node).
func NewRegistry(selfUID string) *Registry {
	return &Registry{
		selfUID:  selfUID,
		entries:  make(map[string]map[string]Entry),
		typeTags: make(map[string]string),
		bus:      NewBus(),
	}
}

// Subscribe registers a listener for registry Changes. The returned func
// unsubscribes.
func (r *Registry) Subscribe(bufferSize int) (<-chan Change, func()) {
	return r.bus.Subscribe(bufferSize)
}

// SubscribeKey returns the current listing for key, followed by an updated
// full listing every time it changes -- the shape the receptionist's
// subscription feature promises callers (a running view of "who is
// registered now", not a diff stream they'd have to fold themselves).
func (r *Registry) SubscribeKey(key ServiceKey, bufferSize int) (<-chan []string, func()) {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	changes, unsubscribeChanges := r.Subscribe(bufferSize)

	out := make(chan []string, bufferSize)
	out <- r.Find(key)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case c, ok := <-changes:
				if !ok {
					close(out)
					return
				}
				if c.Key.Name != key.Name {
					continue
				}
				select {
				case out <- r.Find(key):
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- r.Find(key):
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		unsubscribeChanges()
	}
	return out, unsubscribe
}

// Register adds path under key, owned by the local member. Re-registering
// the same (key, path) is idempotent beyond bumping its counter.
func (r *Registry) Register(key ServiceKey, path string) (Entry, error) {
	r.mu.Lock()

	if existing, ok := r.typeTags[key.Name]; ok && existing != key.TypeTag {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %q already registered as %q, got %q",
			ErrServiceKeyTypeMismatch, key.Name, existing, key.TypeTag)
	}
	r.typeTags[key.Name] = key.TypeTag

	r.counter++
	entry := Entry{
		Path:      path,
		MemberUID: r.selfUID,
		Counter:   r.counter,
		Tombstone: false,
	}
	if r.entries[key.Name] == nil {
		r.entries[key.Name] = make(map[string]Entry)
	}
	r.entries[key.Name][path] = entry

	r.mu.Unlock()

	r.bus.Publish(Change{Key: key, Entry: entry})

	return entry, nil
}

// Deregister tombstones path under key. Tombstones are retained (not
// deleted outright) so the removal itself can be gossiped and beat a
// stale re-advertisement of the same path arriving from a slow peer.
func (r *Registry) Deregister(key ServiceKey, path string) error {
	r.mu.Lock()

	byPath, ok := r.entries[key.Name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	existing, ok := byPath[path]
	if !ok || existing.MemberUID != r.selfUID {
		r.mu.Unlock()
		return nil
	}

	r.counter++
	entry := existing
	entry.Counter = r.counter
	entry.Tombstone = true
	byPath[path] = entry

	r.mu.Unlock()

	r.bus.Publish(Change{Key: key, Entry: entry})

	return nil
}

// Find returns the live (non-tombstoned) paths registered under key, sorted
// for deterministic round-robin/broadcast ordering by callers.
func (r *Registry) Find(key ServiceKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPath := r.entries[key.Name]
	out := make([]string, 0, len(byPath))
	for _, e := range byPath {
		if !e.Tombstone {
			out = append(out, e.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Keys returns every ServiceKey name with at least one live registration.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name, byPath := range r.entries {
		for _, e := range byPath {
			if !e.Tombstone {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// PurgeMember tombstones every entry owned by memberUID, called when
// membership reports that member as Down or Removed. An owner's death is
// the one case where this replica mutates an Entry it doesn't own the
// counter lineage for, so it's treated as a synthetic local write (bumping
// the local counter) that will itself propagate on the next gossip round.
func (r *Registry) PurgeMember(memberUID string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	for name, byPath := range r.entries {
		for path, e := range byPath {
			if e.MemberUID != memberUID || e.Tombstone {
				continue
			}
			r.counter++
			e.Counter = r.counter
			e.Tombstone = true
			byPath[path] = e
			changes = append(changes, Change{Key: ServiceKey{Name: name}, Entry: e})
		}
	}

	for _, c := range changes {
		r.bus.Publish(c)
	}
	return changes
}

// Snapshot returns a deep copy of the registry's state, suitable for
// gossiping to peers.
func (r *Registry) Snapshot() map[string]map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]Entry, len(r.entries))
	for name, byPath := range r.entries {
		cp := make(map[string]Entry, len(byPath))
		for path, e := range byPath {
			cp[path] = e
		}
		out[name] = cp
	}
	return out
}

// Merge applies a remote snapshot using last-writer-wins per (key, path):
// the entry with the higher Counter wins; on a tie, the tombstoned entry
// wins, so a removal can never be un-done by a stale duplicate of the
// registration that preceded it.
func (r *Registry) Merge(remote map[string]map[string]Entry) []Change {
	r.mu.Lock()

	var changes []Change
	for name, byPath := range remote {
		for path, incoming := range byPath {
			key := ServiceKey{Name: name}
			if r.entries[name] == nil {
				r.entries[name] = make(map[string]Entry)
			}
			current, exists := r.entries[name][path]

			if !exists || wins(incoming, current) {
				r.entries[name][path] = incoming
				changes = append(changes, Change{Key: key, Entry: incoming})
			}
		}
	}

	r.mu.Unlock()

	for _, c := range changes {
		r.bus.Publish(c)
	}
	return changes
}

// wins reports whether candidate should replace current under LWW-with-
// tombstone-priority semantics.
func wins(candidate, current Entry) bool {
	if candidate.Counter != current.Counter {
		return candidate.Counter > current.Counter
	}
	return candidate.Tombstone && !current.Tombstone
}
