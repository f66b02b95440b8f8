package sharding

import (
	"context"
	"sync"
	"time"
)

// MemberLister returns the addresses of members currently eligible to host
// shards, typically backed by membership.Snapshot.ReachableUpMembers.
type MemberLister func() []string

// CoordinatorConfig controls the shard coordinator's allocation policy.
type CoordinatorConfig struct {
	EntityType        string
	NumShards         uint32
	Strategy          AllocationStrategy
	RebalanceInterval time.Duration

	// MaxRebalanceMovesPerTick caps how many shards rebalance will
	// proactively move toward an under-loaded member on a single tick,
	// on top of the reassignment it always does for shards whose owner
	// left the cluster. Zero defaults to 1; a capped trickle rather than
	// torua's unconditional full-reassignment-every-tick keeps a
	// newly-joined member from triggering a thundering herd of handoffs.
	MaxRebalanceMovesPerTick int
}

// DefaultCoordinatorConfig returns the spec's default shard count (100) and
// a least-loaded-with-stickiness strategy, rebalancing checked once a
// second.
func DefaultCoordinatorConfig(entityType string) CoordinatorConfig {
	return CoordinatorConfig{
		EntityType:               entityType,
		NumShards:                100,
		Strategy:                 LeastShardAllocationStrategy{},
		RebalanceInterval:        time.Second,
		MaxRebalanceMovesPerTick: 1,
	}
}

type getShardHomeCmd struct {
	shardID uint32
	reply   chan string
}

type memberRemovedCmd struct {
	address string
}

type listShardsCmd struct {
	reply chan map[uint32]string
}

type coordinatorCommand struct {
	getShardHome  *getShardHomeCmd
	memberRemoved *memberRemovedCmd
	listShards    *listShardsCmd
}

// HandoffRequester notifies the region currently hosting a shard that it
// must hand the shard off before the coordinator reassigns it elsewhere.
type HandoffRequester interface {
	RequestHandoff(ctx context.Context, memberAddress string, shardID uint32) error
}

// Coordinator is the single cluster-wide authority for shard placement. It
// is meant to run as the instance of a cluster singleton (see
// internal/singleton): exactly one Coordinator is active at a time,
// persisting its allocation table so a newly-elected coordinator can
// resume without a full rebalance.
type Coordinator struct {
	cfg     CoordinatorConfig
	store   AllocationStore
	members MemberLister
	handoff HandoffRequester

	cmdCh    chan coordinatorCommand
	doneCh   chan struct{}
	stopOnce sync.Once

	allocations map[uint32]string
}

// NewCoordinator returns a Coordinator for cfg, persisting allocations via
// store and resolving candidate members via members. handoff may be nil if
// the caller doesn't need proactive handoff requests (shards will simply
// stop answering to their old home once the region notices the
// reassignment via GetShardHome).
func NewCoordinator(cfg CoordinatorConfig, store AllocationStore,
	members MemberLister, handoff HandoffRequester) *Coordinator {

	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = time.Second
	}
	if cfg.MaxRebalanceMovesPerTick == 0 {
		cfg.MaxRebalanceMovesPerTick = 1
	}

	return &Coordinator{
		cfg:         cfg,
		store:       store,
		members:     members,
		handoff:     handoff,
		cmdCh:       make(chan coordinatorCommand, 256),
		doneCh:      make(chan struct{}),
		allocations: make(map[uint32]string),
	}
}

// GetShardHome returns the member address hosting shardID, allocating it if
// unassigned.
func (c *Coordinator) GetShardHome(ctx context.Context, shardID uint32) (string, error) {
	reply := make(chan string, 1)
	select {
	case c.cmdCh <- coordinatorCommand{getShardHome: &getShardHomeCmd{shardID: shardID, reply: reply}}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.doneCh:
		return "", ctx.Err()
	}

	select {
	case addr := <-reply:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shards returns a snapshot of the current shard-to-member allocation
// table, for operator introspection (e.g. a `clusterkit-node shards`
// command). Unallocated shards are simply absent from the map.
func (c *Coordinator) Shards(ctx context.Context) (map[uint32]string, error) {
	reply := make(chan map[uint32]string, 1)
	select {
	case c.cmdCh <- coordinatorCommand{listShards: &listShardsCmd{reply: reply}}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneCh:
		return nil, ctx.Err()
	}

	select {
	case allocations := <-reply:
		return allocations, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnMemberRemoved clears every shard allocation pointing at address,
// making those shards eligible for immediate reallocation rather than
// being stuck pointing at a dead member.
func (c *Coordinator) OnMemberRemoved(address string) {
	select {
	case c.cmdCh <- coordinatorCommand{memberRemoved: &memberRemovedCmd{address: address}}:
	case <-c.doneCh:
	}
}

// Run loads any persisted allocations and drives the coordinator's command
// loop until ctx is cancelled or Stop is called. Implements the Run half of
// internal/singleton's Factory contract.
func (c *Coordinator) Run(ctx context.Context) {
	if loaded, err := c.store.LoadAllocations(ctx, c.cfg.EntityType); err == nil {
		c.allocations = loaded
	} else {
		log.WarnS(ctx, "failed to load shard allocations", "err", err)
	}

	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.rebalance(ctx)
		case cmd := <-c.cmdCh:
			c.handle(ctx, cmd)
		}
	}
}

// Stop implements singleton.Instance, ending the coordinator's command
// loop.
func (c *Coordinator) Stop(context.Context) {
	c.stopOnce.Do(func() { close(c.doneCh) })
}

func (c *Coordinator) handle(ctx context.Context, cmd coordinatorCommand) {
	switch {
	case cmd.getShardHome != nil:
		addr := c.allocate(ctx, cmd.getShardHome.shardID)
		cmd.getShardHome.reply <- addr

	case cmd.memberRemoved != nil:
		c.clearMember(ctx, cmd.memberRemoved.address)

	case cmd.listShards != nil:
		snapshot := make(map[uint32]string, len(c.allocations))
		for shardID, addr := range c.allocations {
			snapshot[shardID] = addr
		}
		cmd.listShards.reply <- snapshot
	}
}

func (c *Coordinator) allocate(ctx context.Context, shardID uint32) string {
	if addr, ok := c.allocations[shardID]; ok {
		return addr
	}

	candidates := c.members()
	addr := c.cfg.Strategy.AllocateShard(shardID, c.allocations, candidates)
	if addr == "" {
		return ""
	}

	c.allocations[shardID] = addr
	if err := c.store.SaveAllocation(ctx, c.cfg.EntityType, shardID, addr); err != nil {
		log.WarnS(ctx, "failed to persist shard allocation",
			"shard", shardID, "member", addr, "err", err)
	}
	return addr
}

func (c *Coordinator) clearMember(ctx context.Context, address string) {
	for shardID, addr := range c.allocations {
		if addr == address {
			delete(c.allocations, shardID)
		}
	}
	if err := c.store.ClearAllocationsForMember(ctx, address); err != nil {
		log.WarnS(ctx, "failed to clear shard allocations for removed member",
			"member", address, "err", err)
	}
}

// rebalance reassigns any shard whose current owner is no longer a
// candidate member, requesting handoff from the old owner first if a
// HandoffRequester was supplied, then makes a capped number of proactive
// moves to even out load across the remaining candidates (e.g. onto a
// member that just joined with nothing allocated to it yet).
func (c *Coordinator) rebalance(ctx context.Context) {
	candidates := c.members()
	candidateSet := make(map[string]bool, len(candidates))
	for _, addr := range candidates {
		candidateSet[addr] = true
	}

	for shardID, addr := range c.allocations {
		if candidateSet[addr] {
			continue
		}

		delete(c.allocations, shardID)
		newAddr := c.cfg.Strategy.AllocateShard(shardID, c.allocations, candidates)
		if newAddr == "" {
			continue
		}

		if c.handoff != nil {
			if err := c.handoff.RequestHandoff(ctx, addr, shardID); err != nil {
				log.DebugS(ctx, "handoff request failed", "shard", shardID,
					"from", addr, "err", err)
			}
		}

		c.allocations[shardID] = newAddr
		if err := c.store.SaveAllocation(ctx, c.cfg.EntityType, shardID, newAddr); err != nil {
			log.WarnS(ctx, "failed to persist rebalanced shard allocation",
				"shard", shardID, "member", newAddr, "err", err)
		}
	}

	c.rebalanceLoad(ctx, candidates)
}

// rebalanceLoad proactively moves up to MaxRebalanceMovesPerTick shards
// from the most-loaded candidate to the least-loaded one, repeating only
// while the gap between them is at least 2 (so it never thrashes a single
// shard back and forth chasing perfect balance).
func (c *Coordinator) rebalanceLoad(ctx context.Context, candidates []string) {
	if c.cfg.MaxRebalanceMovesPerTick <= 0 || len(candidates) < 2 {
		return
	}

	load := make(map[string]int, len(candidates))
	for _, addr := range candidates {
		load[addr] = 0
	}
	for _, addr := range c.allocations {
		if _, ok := load[addr]; ok {
			load[addr]++
		}
	}

	for moves := 0; moves < c.cfg.MaxRebalanceMovesPerTick; moves++ {
		mostAddr, leastAddr, mostLoad, leastLoad := mostAndLeastLoaded(candidates, load)
		if mostLoad-leastLoad < 2 {
			return
		}

		shardID, ok := anyShardOn(c.allocations, mostAddr)
		if !ok {
			return
		}

		c.allocations[shardID] = leastAddr
		load[mostAddr]--
		load[leastAddr]++

		if c.handoff != nil {
			if err := c.handoff.RequestHandoff(ctx, mostAddr, shardID); err != nil {
				log.DebugS(ctx, "proactive rebalance handoff request failed",
					"shard", shardID, "from", mostAddr, "err", err)
			}
		}
		if err := c.store.SaveAllocation(ctx, c.cfg.EntityType, shardID, leastAddr); err != nil {
			log.WarnS(ctx, "failed to persist proactively rebalanced shard allocation",
				"shard", shardID, "member", leastAddr, "err", err)
		}
	}
}

// mostAndLeastLoaded returns the most- and least-loaded candidates,
// breaking ties by address for determinism.
func mostAndLeastLoaded(candidates []string, load map[string]int) (mostAddr, leastAddr string, mostLoad, leastLoad int) {
	mostLoad, leastLoad = -1, -1
	for _, addr := range candidates {
		l := load[addr]
		if mostLoad == -1 || l > mostLoad || (l == mostLoad && addr < mostAddr) {
			mostAddr, mostLoad = addr, l
		}
		if leastLoad == -1 || l < leastLoad || (l == leastLoad && addr < leastAddr) {
			leastAddr, leastLoad = addr, l
		}
	}
	return mostAddr, leastAddr, mostLoad, leastLoad
}

// anyShardOn returns some shard ID currently allocated to addr.
func anyShardOn(allocations map[uint32]string, addr string) (uint32, bool) {
	for shardID, a := range allocations {
		if a == addr {
			return shardID, true
		}
	}
	return 0, false
}
