package membership

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Gossiper is the transport-facing seam the membership actor sends state
// through. Production wiring adapts internal/transport.Transport plus
// internal/wire's envelope/serializer to this interface; tests can supply
// an in-memory fake without any real sockets.
type Gossiper interface {
	// SendGossip delivers payload to the member at peerAddr, best-effort:
	// a failed send is logged and otherwise ignored, matching gossip's
	// at-most-once, no-retry delivery contract.
	SendGossip(ctx context.Context, peerAddr string, payload GossipPayload) error
}

// GossipPayload is one member's view of cluster state, exchanged on every
// gossip tick and merged into the receiver's own view.
type GossipPayload struct {
	SenderAddress string
	Members       []Member
	Reachability  Reachability
	Version       VectorClock
}

// Config configures a membership Actor.
type Config struct {
	SelfAddress string
	Roles       []string

	SeedNodes []string

	GossipInterval time.Duration
	Fanout         int
	PhiThreshold   float64
	StableAfter    time.Duration
}

// DefaultConfig returns the spec's default membership tunables: ~1s gossip
// interval, k=3 fanout, phi threshold 8.0, 20s stable-after.
func DefaultConfig(selfAddress string) Config {
	return Config{
		SelfAddress:    selfAddress,
		GossipInterval: time.Second,
		Fanout:         3,
		PhiThreshold:   8.0,
		StableAfter:    20 * time.Second,
	}
}

type command interface{}

type cmdTick struct{}

type cmdGossipReceived struct {
	payload GossipPayload
}

type cmdHeartbeat struct {
	peerAddr string
}

type cmdJoin struct {
	seeds []string
}

type cmdLeave struct{}

type cmdAdminDown struct {
	addr string
}

type cmdSnapshot struct {
	reply chan Snapshot
}

// Actor owns all mutable membership state -- the member set, the
// reachability graph, the gossip version vector, and one PhiDetector per
// peer -- and mutates it only from its own run loop, per spec's "confined
// to a single actor" rule. Every other component reads a Snapshot.
type Actor struct {
	cfg       Config
	self      Member
	gossiper  Gossiper
	bus       *Bus

	cmdCh    chan command
	doneCh   chan struct{}
	stopOnce sync.Once

	// run-loop-only state below; never touched outside run().
	members      map[string]Member
	reachability Reachability
	version      VectorClock
	detectors    map[string]*PhiDetector
	joinedAt     map[string]time.Time

	cachedLeader    Member
	hasCachedLeader bool
}

// NewActor constructs a membership Actor for this process. The actor does
// not start gossiping until Run is called.
func NewActor(cfg Config, gossiper Gossiper, bus *Bus) *Actor {
	self := Member{
		Address: cfg.SelfAddress,
		UID:     uuid.NewString(),
		Roles:   cfg.Roles,
		Status:  Joining,
	}

	return &Actor{
		cfg:          cfg,
		self:         self,
		gossiper:     gossiper,
		bus:          bus,
		cmdCh:        make(chan command, 64),
		doneCh:       make(chan struct{}),
		members:      map[string]Member{self.Address: self},
		reachability: NewReachability(),
		version:      VectorClock{self.UID: 1},
		detectors:    make(map[string]*PhiDetector),
		joinedAt:     map[string]time.Time{self.Address: time.Now()},
	}
}

// Self returns this process's own Member record as currently known locally.
func (a *Actor) Self() Member {
	return a.members[a.self.Address]
}

// Run starts the actor's gossip tick loop and command processing. It
// blocks until ctx is cancelled or Stop is called.
func (a *Actor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.doneCh:
			return
		case <-ticker.C:
			a.handle(cmdTick{})
		case cmd := <-a.cmdCh:
			a.handle(cmd)
		}
	}
}

// Stop halts the run loop. Safe to call more than once.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		close(a.doneCh)
	})
}

// Join contacts seed nodes to bootstrap membership. It enqueues the actual
// state change onto the run loop and returns immediately; convergence is
// observed via the event bus or a later Snapshot.
func (a *Actor) Join(seeds []string) {
	a.cmdCh <- cmdJoin{seeds: seeds}
}

// Leave transitions this member to Leaving, beginning graceful shutdown.
func (a *Actor) Leave() {
	a.cmdCh <- cmdLeave{}
}

// Down administratively marks addr as Down, bypassing SBR -- the explicit
// admin downing command recovered from the original implementation.
func (a *Actor) Down(addr string) {
	a.cmdCh <- cmdAdminDown{addr: addr}
}

// OnGossipReceived feeds an inbound GossipPayload (received over transport)
// into the actor for merging.
func (a *Actor) OnGossipReceived(payload GossipPayload) {
	a.cmdCh <- cmdGossipReceived{payload: payload}
}

// OnHeartbeat records that peerAddr was heard from just now, whether via a
// dedicated heartbeat or any other envelope, feeding its PhiDetector.
func (a *Actor) OnHeartbeat(peerAddr string) {
	a.cmdCh <- cmdHeartbeat{peerAddr: peerAddr}
}

// Snapshot returns a consistent, point-in-time view of cluster state.
func (a *Actor) Snapshot(ctx context.Context) Snapshot {
	reply := make(chan Snapshot, 1)

	select {
	case a.cmdCh <- cmdSnapshot{reply: reply}:
	case <-ctx.Done():
		return Snapshot{}
	}

	select {
	case snap := <-reply:
		return snap
	case <-ctx.Done():
		return Snapshot{}
	}
}

func (a *Actor) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdTick:
		a.onTick()
	case cmdGossipReceived:
		a.onGossip(c.payload)
	case cmdHeartbeat:
		a.onHeartbeat(c.peerAddr)
	case cmdJoin:
		a.onJoin(c.seeds)
	case cmdLeave:
		a.onLeave()
	case cmdAdminDown:
		a.onAdminDown(c.addr)
	case cmdSnapshot:
		c.reply <- a.snapshotLocked()
	}
}

func (a *Actor) onJoin(seeds []string) {
	for _, seed := range seeds {
		if seed == a.self.Address {
			continue
		}
		if _, ok := a.members[seed]; !ok {
			a.members[seed] = Member{Address: seed, Status: Joining}
			a.joinedAt[seed] = time.Now()
		}
	}

	a.gossipTo(seeds)
}

func (a *Actor) onLeave() {
	self := a.members[a.self.Address]
	if !self.Status.CanTransition(Leaving) {
		return
	}

	self.Status = Leaving
	a.members[a.self.Address] = self
	a.version = a.version.Increment(self.UID)

	a.bus.Publish(MemberLeft{Member: self})
	a.gossipToRandomPeers()
}

func (a *Actor) onAdminDown(addr string) {
	m, ok := a.members[addr]
	if !ok || m.Status == Down || m.Status == Removed {
		return
	}

	m.Status = Down
	a.members[addr] = m
	a.version = a.version.Increment(a.self.UID)

	a.bus.Publish(MemberDowned{Member: m})
	a.gossipToRandomPeers()
	a.recomputeLeader()
}

func (a *Actor) onHeartbeat(peerAddr string) {
	a.detector(peerAddr).HeartbeatObserved(time.Now())

	if a.reachability.IsUnreachable(peerAddr) {
		a.reachability.MarkReachable(a.self.Address, peerAddr)
		if !a.reachability.IsUnreachable(peerAddr) {
			a.bus.Publish(ReachabilityChanged{
				Address: peerAddr, Unreachable: false,
			})
			a.recomputeLeader()
		}
	}
}

func (a *Actor) detector(peerAddr string) *PhiDetector {
	d, ok := a.detectors[peerAddr]
	if !ok {
		d = NewPhiDetector()
		a.detectors[peerAddr] = d
	}
	return d
}

func (a *Actor) onTick() {
	now := time.Now()

	for addr, m := range a.members {
		if addr == a.self.Address || m.Status == Down || m.Status == Removed {
			continue
		}

		phi := a.detector(addr).Phi(now)
		wasUnreachable := a.reachability.IsUnreachable(addr)

		if phi > a.cfg.PhiThreshold && !a.reachability.Observed[a.self.Address][addr] {
			a.reachability.MarkUnreachable(a.self.Address, addr)
			if !wasUnreachable {
				a.bus.Publish(ReachabilityChanged{
					Address: addr, Unreachable: true,
				})
				a.recomputeLeader()
			}
		}
	}

	a.advanceJoiners(now)
	a.gossipToRandomPeers()
}

// advanceJoiners implements the leader's responsibility to move Joining
// (or WeaklyUp) members to Up once they have been a member for at least
// StableAfter. This is only performed by the member that is itself
// currently the leader.
func (a *Actor) advanceJoiners(now time.Time) {
	leader, ok := a.snapshotLocked().Leader()
	if !ok || leader.Address != a.self.Address {
		return
	}

	for addr, m := range a.members {
		if m.Status != Joining && m.Status != WeaklyUp {
			continue
		}

		since, ok := a.joinedAt[addr]
		if !ok || now.Sub(since) < a.cfg.StableAfter {
			continue
		}

		m.Status = Up
		a.members[addr] = m
		a.version = a.version.Increment(leader.UID)
		a.bus.Publish(MemberUp{Member: m})
	}
}

func (a *Actor) onGossip(payload GossipPayload) {
	a.onHeartbeat(payload.SenderAddress)

	for _, incoming := range payload.Members {
		current, exists := a.members[incoming.Address]
		if !exists {
			a.members[incoming.Address] = incoming
			a.joinedAt[incoming.Address] = time.Now()
			if incoming.Status == Joining {
				a.bus.Publish(MemberJoined{Member: incoming})
			}
			continue
		}

		if incoming.Status > current.Status {
			current.Status = incoming.Status
			current.UID = incoming.UID
			current.Roles = incoming.Roles
			a.members[incoming.Address] = current

			switch incoming.Status {
			case Up:
				a.bus.Publish(MemberUp{Member: current})
			case Leaving:
				a.bus.Publish(MemberLeft{Member: current})
			case Down:
				a.bus.Publish(MemberDowned{Member: current})
			case Removed:
				a.bus.Publish(MemberRemoved{Member: current})
			}
		}
	}

	a.reachability = a.reachability.Merge(payload.Reachability)
	a.version = a.version.Merge(payload.Version)

	a.recomputeLeader()
}

func (a *Actor) recomputeLeader() {
	snap := a.snapshotLocked()
	leader, ok := snap.Leader()

	if ok == a.hasCachedLeader && leader.Address == a.cachedLeader.Address {
		return
	}

	a.hasCachedLeader = ok
	a.cachedLeader = leader
	a.bus.Publish(LeaderChanged{Leader: leader, HasLeader: ok})
}

func (a *Actor) gossipToRandomPeers() {
	var candidates []string
	for addr, m := range a.members {
		if addr == a.self.Address {
			continue
		}
		if m.Status == Removed {
			continue
		}
		candidates = append(candidates, addr)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	n := a.cfg.Fanout
	if n > len(candidates) {
		n = len(candidates)
	}

	a.gossipTo(candidates[:n])
}

func (a *Actor) gossipTo(peers []string) {
	if len(peers) == 0 {
		return
	}

	payload := GossipPayload{
		SenderAddress: a.self.Address,
		Members:       a.memberSliceLocked(),
		Reachability:  a.reachability.Clone(),
		Version:       a.version.Clone(),
	}

	for _, peer := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.gossiper.SendGossip(ctx, peer, payload); err != nil {
			log.DebugS(ctx, "Gossip send failed", "peer", peer, "err", err)
		}
		cancel()
	}
}

func (a *Actor) memberSliceLocked() []Member {
	out := make([]Member, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m)
	}
	return out
}

func (a *Actor) snapshotLocked() Snapshot {
	return Snapshot{
		Members:      a.memberSliceLocked(),
		Reachability: a.reachability.Clone(),
		Version:      a.version.Clone(),
	}
}
