package clusterkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
	"github.com/clusterkit/clusterkit/internal/sharding"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/wire"
)

// EntityTypeConfig configures one sharded entity type hosted by this
// System.
type EntityTypeConfig struct {
	EntityType string
	NumShards  uint32

	// Extractor resolves an incoming message to its entity ID and shard.
	Extractor sharding.MessageExtractor

	// Factory builds a new Entity for an entity ID on first activation.
	Factory sharding.EntityFactory

	// RememberEntities persists activations so a shard restarts its
	// previous entities automatically.
	RememberEntities bool

	// IdleTimeout passivates an entity after this long without a message.
	// Zero disables passivation.
	IdleTimeout time.Duration

	// SweepInterval is how often idle entities are checked for
	// passivation.
	SweepInterval time.Duration

	// Supervisor governs how a hosted entity's actor responds to a panic
	// out of Entity.Receive. The zero value uses
	// sharding.DefaultEntitySupervisorStrategy.
	Supervisor actor.SupervisorStrategy

	// Role, if set, restricts coordinator shard placement to members
	// carrying this role via RoleLeastShardAllocationStrategy.
	Role string

	// Singleton configures the coordinator's own singleton
	// placement. Name and Role are filled in from EntityType/Role if
	// left zero.
	Singleton singleton.Config
}

// entityTypeRuntime is the per-member wiring for one sharded entity type:
// a local Region routing traffic, a Manager hosting the coordinator
// singleton, and the glue that lets the region resolve shard homes both
// locally and across the wire.
type entityTypeRuntime struct {
	cfg EntityTypeConfig
	sys *System

	region       *sharding.Region
	singletonMgr *singleton.Manager

	mu    sync.RWMutex
	coord *sharding.Coordinator
}

// NewEntityType registers and starts a sharded entity type, returning a
// handle whose Deliver routes an incoming message to its owning shard
// (locally or over the wire) and whose Stop releases it.
func (s *System) NewEntityType(cfg EntityTypeConfig) (*EntityType, error) {
	if s.runCtx == nil {
		return nil, fmt.Errorf("clusterkit: System.Start must be called before NewEntityType")
	}
	if cfg.NumShards == 0 {
		cfg.NumShards = 100
	}
	if cfg.Singleton.Name == "" {
		cfg.Singleton.Name = "sharding-coordinator:" + cfg.EntityType
	}
	if cfg.Singleton.Role == "" {
		cfg.Singleton.Role = cfg.Role
	}

	rt := &entityTypeRuntime{cfg: cfg, sys: s}

	var entityStore sharding.EntityStore = sharding.NoopEntityStore()
	var allocStore sharding.AllocationStore
	if cfg.RememberEntities || s.db != nil {
		if s.db == nil {
			return nil, fmt.Errorf(
				"clusterkit: entity type %q needs Config.Store for remember-entities",
				cfg.EntityType)
		}
		entityStore = entityStoreAdapter{store: s.db.Store}
	}
	if s.db != nil {
		allocStore = allocationStoreAdapter{store: s.db.Store}
	} else {
		return nil, fmt.Errorf(
			"clusterkit: entity type %q needs Config.Store for shard allocation", cfg.EntityType)
	}

	strategy := sharding.AllocationStrategy(sharding.LeastShardAllocationStrategy{})
	if cfg.Role != "" {
		strategy = sharding.RoleLeastShardAllocationStrategy{
			Role: cfg.Role,
			MemberHasRole: func(addr, role string) bool {
				m, ok := s.membership.Snapshot(context.Background()).MemberByAddress(addr)
				return ok && m.HasRole(role)
			},
		}
	}

	coordCfg := sharding.CoordinatorConfig{
		EntityType: cfg.EntityType,
		NumShards:  cfg.NumShards,
		Strategy:   strategy,
	}

	factory := func(ctx context.Context) singleton.Instance {
		coord := sharding.NewCoordinator(coordCfg, allocStore, rt.candidateMembers,
			handoffRequester{sys: s, entityType: cfg.EntityType})

		rt.mu.Lock()
		rt.coord = coord
		rt.mu.Unlock()

		go coord.Run(ctx)

		return coordInstance{coord: coord, rt: rt}
	}

	mgr, err := s.Singleton(cfg.Singleton, factory)
	if err != nil {
		return nil, err
	}
	rt.singletonMgr = mgr

	region := sharding.NewRegion(sharding.RegionConfig{
		EntityType:  cfg.EntityType,
		NumShards:   cfg.NumShards,
		SelfAddress: s.cfg.Membership.SelfAddress,
		Shard: sharding.ShardConfig{
			EntityType:       cfg.EntityType,
			IdleTimeout:      cfg.IdleTimeout,
			SweepInterval:    cfg.SweepInterval,
			RememberEntities: cfg.RememberEntities,
			Supervisor:       cfg.Supervisor,
		},
		DeadLetters: deadLetterSinkAdapter{sys: s, entityType: cfg.EntityType},
	}, cfg.Extractor, cfg.Factory, entityStore,
		remoteCoordinatorClient{sys: s, rt: rt}, regionSender{sys: s, entityType: cfg.EntityType})
	rt.region = region

	s.mu.Lock()
	s.entityTypes[cfg.EntityType] = rt
	s.mu.Unlock()

	return &EntityType{rt: rt}, nil
}

// candidateMembers lists every reachable Up member eligible to host
// shards, the sharding.MemberLister the coordinator consults.
func (rt *entityTypeRuntime) candidateMembers() []string {
	snap := rt.sys.membership.Snapshot(context.Background())
	members := snap.ReachableUpMembers()

	addrs := make([]string, 0, len(members))
	for _, m := range members {
		addrs = append(addrs, m.Address)
	}
	return addrs
}

// localCoordinator returns this member's locally-running Coordinator
// instance, or nil if the coordinator singleton isn't hosted here.
func (rt *entityTypeRuntime) localCoordinator() *sharding.Coordinator {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.coord
}

func (rt *entityTypeRuntime) stop(ctx context.Context) {
	rt.region.Stop()
	rt.singletonMgr.Stop()
}

func (s *System) entityType(entityType string) (*entityTypeRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.entityTypes[entityType]
	return rt, ok
}

// coordInstance adapts a running *sharding.Coordinator to singleton.Instance,
// clearing entityTypeRuntime's cached pointer on Stop so localCoordinator
// correctly reports the coordinator is no longer hosted here.
type coordInstance struct {
	coord *sharding.Coordinator
	rt    *entityTypeRuntime
}

func (c coordInstance) Stop(ctx context.Context) {
	c.coord.Stop(ctx)

	c.rt.mu.Lock()
	c.rt.coord = nil
	c.rt.mu.Unlock()
}

// remoteCoordinatorClient satisfies sharding.CoordinatorClient, resolving a
// shard's home via the locally-running coordinator when this member hosts
// it, or a remote ask over the wire otherwise.
type remoteCoordinatorClient struct {
	sys *System
	rt  *entityTypeRuntime
}

func (c remoteCoordinatorClient) GetShardHome(ctx context.Context, shardID uint32) (string, error) {
	if coord := c.rt.localCoordinator(); coord != nil {
		return coord.GetShardHome(ctx, shardID)
	}

	ownerAddr, ok := c.rt.singletonMgr.OwnerAddress()
	if !ok {
		return "", fmt.Errorf("sharding: coordinator for %q has no known owner yet", c.rt.cfg.EntityType)
	}

	reply, err := c.sys.ask(ctx, ownerAddr, routeAskPrefix+c.rt.cfg.EntityType,
		tagShardHomeRequest, &shardHomeRequest{ShardID: shardID})
	if err != nil {
		return "", fmt.Errorf("sharding: asking %s for shard %d home: %w", ownerAddr, shardID, err)
	}

	v, err := c.sys.wireRegistry.Decode(reply.SerializerID, tagShardHomeReply, reply.Payload)
	if err != nil {
		return "", err
	}
	home, ok := v.(*shardHomeReply)
	if !ok {
		return "", fmt.Errorf("sharding: unexpected reply type for shard home ask")
	}
	return home.Home, nil
}

// regionSender satisfies sharding.RemoteSender, forwarding a message to
// the region hosted at memberAddress via an envelope carrying both the
// sharding manifest and the inner application message's own manifest.
type regionSender struct {
	sys        *System
	entityType string
}

func (r regionSender) SendToRegion(ctx context.Context, memberAddress string, shardID uint32,
	entityID string, msg interface{}) error {

	typeTag, serializerID, err := r.sys.messageManifest(msg)
	if err != nil {
		return err
	}

	msgPayload, err := r.sys.wireRegistry.Encode(serializerID, typeTag, msg)
	if err != nil {
		return err
	}

	fwd := &shardForwardPayload{
		ShardID:         shardID,
		EntityID:        entityID,
		MsgTypeTag:      typeTag,
		MsgSerializerID: serializerID,
		MsgPayload:      msgPayload,
	}

	payload, err := r.sys.wireRegistry.Encode(wire.SerializerJSON, tagShardForward, fwd)
	if err != nil {
		return err
	}

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    r.sys.selfAddress(),
		RecipientPath: routeShardPrefix + r.entityType,
		TypeTag:       tagShardForward,
		SerializerID:  wire.SerializerJSON,
		Payload:       payload,
	}
	return r.sys.transport.Send(ctx, memberAddress, env)
}

// handoffRequester satisfies sharding.HandoffRequester, notifying a remote
// region (or handling it directly if memberAddress is self) that it must
// hand off a shard before the coordinator reassigns it.
type handoffRequester struct {
	sys        *System
	entityType string
}

func (h handoffRequester) RequestHandoff(ctx context.Context, memberAddress string, shardID uint32) error {
	if memberAddress == h.sys.selfAddress() {
		rt, ok := h.sys.entityType(h.entityType)
		if !ok {
			return nil
		}
		rt.region.HandoffShard(ctx, shardID)
		return nil
	}

	payload, err := h.sys.wireRegistry.Encode(wire.SerializerJSON, tagShardHandoffNotice,
		&shardHandoffNotice{ShardID: shardID})
	if err != nil {
		return err
	}

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    h.sys.selfAddress(),
		RecipientPath: routeHandoffPrefix + h.entityType,
		TypeTag:       tagShardHandoffNotice,
		SerializerID:  wire.SerializerJSON,
		Payload:       payload,
	}
	return h.sys.transport.Send(ctx, memberAddress, env)
}

// deadLetterSinkAdapter satisfies sharding.DeadLetterSink, routing a
// Region's undeliverable messages into the System's dead-letter topic.
type deadLetterSinkAdapter struct {
	sys        *System
	entityType string
}

func (d deadLetterSinkAdapter) DeadLetter(ctx context.Context, shardID uint32, entityID, reason string) {
	recipient := fmt.Sprintf("%s/%d/%s", d.entityType, shardID, entityID)
	d.sys.reportDeadLetter(ctx, recipient, reason)
}

// EntityType is a handle to a started sharded entity type.
type EntityType struct {
	rt *entityTypeRuntime
}

// Deliver routes msg to the entity its EntityTypeConfig.Extractor resolves
// it to, hosting or forwarding as needed.
func (e *EntityType) Deliver(ctx context.Context, msg interface{}) error {
	return e.rt.region.Deliver(ctx, msg)
}

// Stop releases this entity type's Region and coordinator singleton.
func (e *EntityType) Stop(ctx context.Context) {
	e.rt.sys.mu.Lock()
	delete(e.rt.sys.entityTypes, e.rt.cfg.EntityType)
	e.rt.sys.mu.Unlock()

	e.rt.stop(ctx)
}
