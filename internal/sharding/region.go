package sharding

import (
	"context"
	"fmt"
	"sync"
)

// CoordinatorClient resolves which member currently hosts a shard. It is
// satisfied directly by *Coordinator when the coordinator singleton
// happens to run locally, or by a remote-ask adapter addressed to the
// singleton's current owner otherwise.
type CoordinatorClient interface {
	GetShardHome(ctx context.Context, shardID uint32) (string, error)
}

// RemoteSender forwards a message to the region hosted at memberAddress,
// when this region has resolved a shard to a different member.
type RemoteSender interface {
	SendToRegion(ctx context.Context, memberAddress string, shardID uint32,
		entityID string, msg interface{}) error
}

// DeadLetterSink receives a message a Region gave up on delivering --
// buffered during a handoff window and never flushed, or dropped because
// the buffer overflowed. Nil is a valid RegionConfig.DeadLetters; drops are
// merely logged in that case.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, shardID uint32, entityID, reason string)
}

// RegionConfig configures a Region.
type RegionConfig struct {
	EntityType  string
	NumShards   uint32
	SelfAddress string
	Shard       ShardConfig

	// HandoffBufferSize bounds how many messages ReceiveRemote buffers
	// for a shard that is mid-handoff, dropping the oldest once full.
	// Zero uses a small built-in default.
	HandoffBufferSize int

	// DeadLetters receives messages this Region could not deliver.
	DeadLetters DeadLetterSink
}

const defaultHandoffBufferSize = 64

// bufferedDeliver is one message held for a shard that's being handed off.
type bufferedDeliver struct {
	entityID string
	msg      interface{}
}

// handoffBuffer holds messages that arrive for a shard while it is being
// handed off elsewhere, mirroring singleton/proxy.go's enqueue/flush
// pattern: bounded, drop-oldest on overflow, drained once the handoff
// window closes.
type handoffBuffer struct {
	mu    sync.Mutex
	items []bufferedDeliver
	size  int
}

func newHandoffBuffer(size int) *handoffBuffer {
	if size <= 0 {
		size = defaultHandoffBufferSize
	}
	return &handoffBuffer{size: size}
}

// enqueue appends item, returning the oldest buffered item if the buffer
// was already full and had to drop it to make room.
func (b *handoffBuffer) enqueue(item bufferedDeliver) (dropped *bufferedDeliver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.size {
		old := b.items[0]
		b.items = b.items[1:]
		dropped = &old
	}
	b.items = append(b.items, item)
	return dropped
}

// drain empties and returns the buffer's contents.
func (b *handoffBuffer) drain() []bufferedDeliver {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Region is the per-member entry point for sharded messages: it resolves
// the owning shard via the coordinator, hosts that shard locally if this
// member is its home, and otherwise forwards the message on.
type Region struct {
	cfg         RegionConfig
	extractor   MessageExtractor
	factory     EntityFactory
	store       EntityStore
	coordinator CoordinatorClient
	remote      RemoteSender
	deadLetters DeadLetterSink

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	shards     map[uint32]*Shard
	handingOff map[uint32]*handoffBuffer
}

// NewRegion returns a Region for cfg, extracting entities via extractor,
// hosting them via factory, persisting remember-entities via store,
// resolving shard homes via coordinator, and forwarding non-local messages
// via remote.
func NewRegion(cfg RegionConfig, extractor MessageExtractor, factory EntityFactory,
	store EntityStore, coordinator CoordinatorClient, remote RemoteSender) *Region {

	ctx, cancel := context.WithCancel(context.Background())
	return &Region{
		cfg:         cfg,
		extractor:   extractor,
		factory:     factory,
		store:       store,
		coordinator: coordinator,
		remote:      remote,
		deadLetters: cfg.DeadLetters,
		ctx:         ctx,
		cancel:      cancel,
		shards:      make(map[uint32]*Shard),
		handingOff:  make(map[uint32]*handoffBuffer),
	}
}

// Deliver resolves msg's entity and shard, then either delivers it to a
// local Shard or forwards it to the member that owns it.
func (r *Region) Deliver(ctx context.Context, msg interface{}) error {
	entityID := r.extractor.EntityID(msg)
	shardID := r.extractor.ShardID(entityID, r.cfg.NumShards)

	home, err := r.coordinator.GetShardHome(ctx, shardID)
	if err != nil {
		return fmt.Errorf("sharding: resolving home for shard %d: %w", shardID, err)
	}
	if home == "" {
		return fmt.Errorf("sharding: shard %d has no eligible home", shardID)
	}

	if home == r.cfg.SelfAddress {
		r.localShard(shardID).Deliver(ctx, entityID, msg)
		return nil
	}
	return r.remote.SendToRegion(ctx, home, shardID, entityID, msg)
}

// ReceiveRemote delivers a message that arrived from a peer region which
// has already resolved shardID to this member. If shardID is currently
// being handed off away from this member, the message is buffered instead
// of resurrecting a shard this member is no longer home for; it is either
// forwarded to the new home or dead-lettered once the handoff completes.
func (r *Region) ReceiveRemote(ctx context.Context, shardID uint32, entityID string, msg interface{}) {
	r.mu.Lock()
	buf, handingOff := r.handingOff[shardID]
	r.mu.Unlock()

	if handingOff {
		if dropped := buf.enqueue(bufferedDeliver{entityID: entityID, msg: msg}); dropped != nil {
			r.deadLetter(ctx, shardID, dropped.entityID, "handoff buffer overflow")
		}
		return
	}

	r.localShard(shardID).Deliver(ctx, entityID, msg)
}

// HandoffShard stops and removes a locally-hosted shard, called when the
// coordinator reassigns it elsewhere. While the handoff is in flight,
// ReceiveRemote buffers rather than drops messages for shardID; once the
// shard has fully stopped, the buffer is flushed to whatever the
// coordinator now reports as the shard's home. A no-op if the shard isn't
// hosted here.
func (r *Region) HandoffShard(ctx context.Context, shardID uint32) {
	r.mu.Lock()
	shard, ok := r.shards[shardID]
	var buf *handoffBuffer
	if ok {
		delete(r.shards, shardID)
		buf = newHandoffBuffer(r.cfg.HandoffBufferSize)
		r.handingOff[shardID] = buf
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	shard.Handoff(ctx)
	shard.Stop()

	r.mu.Lock()
	delete(r.handingOff, shardID)
	r.mu.Unlock()

	r.flushHandoff(ctx, shardID, buf)
}

// flushHandoff re-resolves shardID's home now that the handoff is complete
// and forwards every buffered message there, dead-lettering whatever it
// can't place (no reachable home, or this member somehow still is one).
func (r *Region) flushHandoff(ctx context.Context, shardID uint32, buf *handoffBuffer) {
	items := buf.drain()
	if len(items) == 0 {
		return
	}

	home, err := r.coordinator.GetShardHome(ctx, shardID)
	if err != nil || home == "" || home == r.cfg.SelfAddress {
		for _, it := range items {
			r.deadLetter(ctx, shardID, it.entityID, "no reachable home after handoff")
		}
		return
	}

	for _, it := range items {
		if err := r.remote.SendToRegion(ctx, home, shardID, it.entityID, it.msg); err != nil {
			r.deadLetter(ctx, shardID, it.entityID, "forward after handoff failed: "+err.Error())
		}
	}
}

func (r *Region) deadLetter(ctx context.Context, shardID uint32, entityID, reason string) {
	if r.deadLetters == nil {
		log.WarnS(ctx, "dropping undeliverable shard message, no dead-letter sink configured",
			"shard", shardID, "entity", entityID, "reason", reason)
		return
	}
	r.deadLetters.DeadLetter(ctx, shardID, entityID, reason)
}

// Stop stops every locally-hosted shard and ends the region.
func (r *Region) Stop() {
	r.cancel()

	r.mu.Lock()
	shards := make([]*Shard, 0, len(r.shards))
	for id, shard := range r.shards {
		shards = append(shards, shard)
		delete(r.shards, id)
	}
	r.mu.Unlock()

	for _, shard := range shards {
		shard.Stop()
	}
}

// localShard returns the Shard hosting shardID, spawning it on first use.
func (r *Region) localShard(shardID uint32) *Shard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if shard, ok := r.shards[shardID]; ok {
		return shard
	}

	store := r.store
	if store == nil {
		store = NoopEntityStore()
	}

	shard := NewShard(shardID, r.cfg.Shard, r.factory, store)
	r.shards[shardID] = shard
	go shard.Run(r.ctx)
	return shard
}
