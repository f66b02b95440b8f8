package receptionist

import (
	"context"
	"math/rand"
	"time"
)

// Gossiper is the transport-facing seam this package gossips snapshots
// through, kept separate from membership.Gossiper so this package never
// imports internal/transport or internal/membership directly.
type Gossiper interface {
	SendSnapshot(ctx context.Context, peerAddr string,
		snapshot map[string]map[string]Entry) error
}

// PeerLister returns the current set of peer addresses to gossip with,
// typically backed by membership.Snapshot.ReachableUpMembers.
type PeerLister func() []string

// Config controls the gossip actor's timing.
type Config struct {
	GossipInterval time.Duration
	Fanout         int
}

// DefaultConfig returns sensible defaults: gossip every second to up to 3
// random peers, matching membership's own default fanout.
func DefaultConfig() Config {
	return Config{GossipInterval: time.Second, Fanout: 3}
}

type command struct {
	tick             bool
	snapshotReceived map[string]map[string]Entry
}

// Actor periodically pushes the local Registry's snapshot to a random
// subset of peers and merges snapshots pushed to it in turn, the same
// single-goroutine, command-channel shape as membership.Actor.
type Actor struct {
	cfg      Config
	registry *Registry
	gossiper Gossiper
	peers    PeerLister

	cmdCh    chan command
	doneCh   chan struct{}
	stopOnce func()
}

// NewActor returns an Actor gossiping registry on behalf of the local
// member, using gossiper to reach peers returned by peers.
func NewActor(cfg Config, registry *Registry, gossiper Gossiper, peers PeerLister) *Actor {
	a := &Actor{
		cfg:      cfg,
		registry: registry,
		gossiper: gossiper,
		peers:    peers,
		cmdCh:    make(chan command, 64),
		doneCh:   make(chan struct{}),
	}
	var once bool
	a.stopOnce = func() {
		if !once {
			once = true
			close(a.doneCh)
		}
	}
	return a
}

// Run drives the gossip loop until ctx is cancelled or Stop is called.
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
			a.gossipToRandomPeers(ctx)
		case cmd := <-a.cmdCh:
			if cmd.snapshotReceived != nil {
				a.registry.Merge(cmd.snapshotReceived)
			}
		}
	}
}

// Stop ends the gossip loop.
func (a *Actor) Stop() {
	a.stopOnce()
}

// OnSnapshotReceived enqueues a peer's pushed snapshot for merging on the
// actor's own goroutine.
func (a *Actor) OnSnapshotReceived(snapshot map[string]map[string]Entry) {
	select {
	case a.cmdCh <- command{snapshotReceived: snapshot}:
	case <-a.doneCh:
	}
}

func (a *Actor) gossipToRandomPeers(ctx context.Context) {
	candidates := a.peers()
	if len(candidates) == 0 {
		return
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	n := a.cfg.Fanout
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}

	snap := a.registry.Snapshot()
	for _, peer := range candidates[:n] {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.gossiper.SendSnapshot(sendCtx, peer, snap)
		cancel()
		if err != nil {
			log.DebugS(ctx, "receptionist gossip send failed",
				"peer", peer, "err", err)
		}
	}
}
