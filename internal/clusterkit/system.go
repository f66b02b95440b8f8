package clusterkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/pubsub"
	"github.com/clusterkit/clusterkit/internal/receptionist"
	"github.com/clusterkit/clusterkit/internal/sbr"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/store"
	"github.com/clusterkit/clusterkit/internal/transport"
	"github.com/clusterkit/clusterkit/internal/wire"
)

// System composes one running cluster member: membership, the split-brain
// resolver, the receptionist, pub/sub, and (on demand) cluster singletons
// and sharded entity types, all carried over a single Transport connection.
type System struct {
	cfg Config

	selfUID string

	transport *transport.Transport

	membershipBus *membership.Bus
	membership    *membership.Actor

	receptionistRegistry *receptionist.Registry
	receptionistGossip   *receptionist.Actor

	pubsubManager *pubsub.Manager

	actorSystem     *actor.ActorSystem
	deadLetterTopic *pubsub.Topic
	deadLetterSink  *deadLetterSink

	sbrRunner *sbrRunner

	wireRegistry *wire.Registry
	asker        *asker
	dispatcher   *dispatcher

	db *store.SqliteStore

	mu              sync.RWMutex
	entityTypes     map[string]*entityTypeRuntime
	messageTypeTags map[reflect.Type]string
	singletons      map[string]*singleton.Manager

	runCtx    context.Context
	runCancel context.CancelFunc

	runningWg sync.WaitGroup
}

// New assembles a System from cfg without starting any network I/O or
// background loops; call Start to bring it up.
func New(cfg Config) (*System, error) {
	if cfg.Membership.SelfAddress == "" {
		return nil, errors.New("clusterkit: Config.Membership.SelfAddress is required")
	}

	s := &System{
		cfg:             cfg,
		selfUID:         uuid.NewString(),
		entityTypes:     make(map[string]*entityTypeRuntime),
		messageTypeTags: make(map[reflect.Type]string),
		singletons:      make(map[string]*singleton.Manager),
		asker:           newAsker(),
		dispatcher:      newDispatcher(cfg.Dispatcher.MaxConcurrency),
	}

	s.wireRegistry = wire.NewRegistry()
	registerWireTypes(s.wireRegistry)

	s.transport = transport.New(cfg.Transport, s.onEnvelope, s.onPeerFailure)

	s.membershipBus = membership.NewBus()
	s.membership = membership.NewActor(cfg.Membership,
		membershipGossiperAdapter{sys: s}, s.membershipBus)

	s.receptionistRegistry = receptionist.NewRegistry(s.selfUID)
	s.receptionistGossip = receptionist.NewActor(cfg.Receptionist,
		s.receptionistRegistry, receptionistGossiperAdapter{sys: s}, s.reachablePeers)

	s.pubsubManager = pubsub.NewManager(cfg.PubSub, cfg.Membership.SelfAddress,
		s.receptionistRegistry, pubsubPublisherAdapter{sys: s})

	s.actorSystem = actor.NewActorSystem()
	s.deadLetterTopic = s.pubsubManager.Topic(deadLetterTopicName, deadLetterTypeTag)
	s.deadLetterSink = newDeadLetterSink(s.actorSystem, s.deadLetterTopic)

	resolver := sbr.NewResolver(cfg.SBR.Strategy, cfg.SBR.StableAfter,
		cfg.SBR.DownAllWhenUnstable)
	s.sbrRunner = newSBRRunner(resolver, s.membership, s.membershipBus, s.onSBRDecision)

	if cfg.Store.DatabaseFileName != "" {
		db, err := store.NewSqliteStore(&cfg.Store, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("clusterkit: opening store: %w", err)
		}
		s.db = db
	}

	return s, nil
}

// reachablePeers is the receptionist.PeerLister backing its gossip actor:
// every other reachable Up member.
func (s *System) reachablePeers() []string {
	snap := s.membership.Snapshot(context.Background())
	self := s.membership.Self()

	var peers []string
	for _, m := range snap.ReachableUpMembers() {
		if m.Address != self.Address {
			peers = append(peers, m.Address)
		}
	}
	return peers
}

// onSBRDecision applies a split-brain resolver decision by administratively
// downing every member it names, or every member but self when the
// decision calls for a full down-all.
func (s *System) onSBRDecision(decision sbr.Decision) {
	ctx := context.Background()

	if !decision.Survives {
		log.WarnS(ctx, "split-brain resolver decided this side does not survive",
			"cause", decision.DownAllCause)
	}

	if decision.DownAllCause != "" {
		snap := s.membership.Snapshot(ctx)
		self := s.membership.Self()
		for _, m := range snap.UpMembers() {
			if m.Address != self.Address {
				s.membership.Down(m.Address)
			}
		}
		return
	}

	for _, addr := range decision.ToDown {
		log.InfoS(ctx, "split-brain resolver downing member", "address", addr)
		s.membership.Down(addr)
	}
}

// onPeerFailure logs a lost peer connection. It does not notify membership
// or its failure detector; the peer becomes unreachable only once its
// heartbeats stop arriving and its phi value crosses the threshold.
func (s *System) onPeerFailure(peerAddr string, cause error) {
	log.DebugS(context.Background(), "peer connection lost", "peer", peerAddr, "err", cause)
}

// Start begins listening for peer connections and launches every
// subsystem's background loop. The context passed governs their lifetime;
// Shutdown additionally releases Transport and database resources.
func (s *System) Start(ctx context.Context) error {
	if err := s.transport.Listen(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.runCancel = cancel

	s.runningWg.Add(4)
	go func() { defer s.runningWg.Done(); s.membership.Run(runCtx) }()
	go func() { defer s.runningWg.Done(); s.receptionistGossip.Run(runCtx) }()
	go func() { defer s.runningWg.Done(); s.pubsubManager.Run(runCtx) }()
	go func() { defer s.runningWg.Done(); s.sbrRunner.Run(runCtx, s.cfg.SBR.CheckInterval) }()

	return nil
}

// Shutdown stops every subsystem, closes the Transport, and (if opened)
// the backing database.
func (s *System) Shutdown(ctx context.Context) error {
	if s.runCancel != nil {
		s.runCancel()
	}

	s.membership.Stop()
	s.receptionistGossip.Stop()
	s.pubsubManager.Stop()
	s.sbrRunner.Stop()
	if err := s.actorSystem.Shutdown(ctx); err != nil {
		log.WarnS(ctx, "actor system shutdown incomplete", "err", err)
	}

	s.mu.RLock()
	types := make([]*entityTypeRuntime, 0, len(s.entityTypes))
	for _, rt := range s.entityTypes {
		types = append(types, rt)
	}
	s.mu.RUnlock()
	for _, rt := range types {
		rt.stop(ctx)
	}

	s.runningWg.Wait()

	if err := s.transport.Close(); err != nil {
		return err
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Join asks the membership actor to reach out to seeds and join the
// cluster they belong to.
func (s *System) Join(seeds []string) {
	s.membership.Join(seeds)
}

// Leave gracefully removes this member from the cluster.
func (s *System) Leave() {
	s.membership.Leave()
}

// Down administratively marks addr as down, the operator escape hatch for
// a member the failure detector hasn't (or can't) catch, e.g. one that's
// merely partitioned from this side but still Up elsewhere.
func (s *System) Down(addr string) {
	s.membership.Down(addr)
}

// Members returns the current membership snapshot.
func (s *System) Members(ctx context.Context) membership.Snapshot {
	return s.membership.Snapshot(ctx)
}

// SubscribeMembership registers a listener for membership.Event values.
func (s *System) SubscribeMembership(bufferSize int) (<-chan membership.Event, func()) {
	return s.membershipBus.Subscribe(bufferSize)
}

// Register advertises path under key in the cluster-wide receptionist.
func (s *System) Register(key receptionist.ServiceKey, path string) (receptionist.Entry, error) {
	return s.receptionistRegistry.Register(key, path)
}

// Deregister withdraws path's registration under key.
func (s *System) Deregister(key receptionist.ServiceKey, path string) error {
	return s.receptionistRegistry.Deregister(key, path)
}

// Find returns the paths currently registered under key, across the whole
// cluster.
func (s *System) Find(key receptionist.ServiceKey) []string {
	return s.receptionistRegistry.Find(key)
}

// SubscribeService registers a listener for registrations under key,
// delivered as the growing/shrinking set of paths.
func (s *System) SubscribeService(key receptionist.ServiceKey,
	bufferSize int) (<-chan []string, func()) {

	return s.receptionistRegistry.SubscribeKey(key, bufferSize)
}

// Topic returns the named pub/sub Topic, creating it if this is the first
// reference.
func (s *System) Topic(name, typeTag string) *pubsub.Topic {
	return s.pubsubManager.Topic(name, typeTag)
}

// RegisterMessageType installs a wire manifest for an application-level
// message type, required before that type can cross the wire as a
// sharded entity message or in any other envelope this System encodes.
// factory must return a pointer to a fresh zero value, the same value a
// sharded entity's message will be encoded/decoded as.
func (s *System) RegisterMessageType(typeTag string, factory func() any) {
	s.wireRegistry.RegisterType(typeTag, factory)

	s.mu.Lock()
	s.messageTypeTags[reflect.TypeOf(factory())] = typeTag
	s.mu.Unlock()
}

// messageManifest looks up the typeTag a previously-registered message
// value encodes under, so a sharding region can forward it across the wire
// without its caller threading the tag through every Deliver call.
func (s *System) messageManifest(msg interface{}) (string, wire.SerializerID, error) {
	s.mu.RLock()
	tag, ok := s.messageTypeTags[reflect.TypeOf(msg)]
	s.mu.RUnlock()

	if !ok {
		return "", 0, fmt.Errorf(
			"clusterkit: message type %T has no registered manifest; call RegisterMessageType first",
			msg)
	}
	return tag, wire.SerializerJSON, nil
}

// Singleton starts (or resumes tracking) a cluster singleton under cfg,
// hosting instances built by factory on whichever member is currently
// elected owner. Requires a store configured via Config.Store.
func (s *System) Singleton(cfg singleton.Config, factory singleton.Factory) (*singleton.Manager, error) {
	if s.db == nil {
		return nil, errors.New("clusterkit: Config.Store.DatabaseFileName is required to host a singleton")
	}
	if s.runCtx == nil {
		return nil, errors.New("clusterkit: System.Start must be called before hosting a singleton")
	}

	store := leaseStoreAdapter{store: s.db.Store}
	mgr := singleton.NewManager(cfg, factory, store, s.membership, s.membershipBus)

	s.mu.Lock()
	s.singletons[cfg.Name] = mgr
	s.mu.Unlock()

	s.runningWg.Add(1)
	go func() { defer s.runningWg.Done(); mgr.Run(s.runCtx) }()

	return mgr, nil
}

// SingletonOwner returns the address currently owning the named singleton,
// for operator introspection. The bool is false if the singleton is
// unknown to this member or has no owner yet.
func (s *System) SingletonOwner(name string) (string, bool) {
	s.mu.RLock()
	mgr, ok := s.singletons[name]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return mgr.OwnerAddress()
}

// ShardsFor returns the shard-to-member allocation table for entityType,
// resolving it from the locally-hosted coordinator if this member holds
// it, or asking the remote owner otherwise.
func (s *System) ShardsFor(ctx context.Context, entityType string) (map[uint32]string, error) {
	rt, ok := s.entityType(entityType)
	if !ok {
		return nil, fmt.Errorf("clusterkit: unknown entity type %q", entityType)
	}

	if coord := rt.localCoordinator(); coord != nil {
		return coord.Shards(ctx)
	}

	ownerAddr, ok := rt.singletonMgr.OwnerAddress()
	if !ok {
		return nil, fmt.Errorf("sharding: coordinator for %q has no known owner yet", entityType)
	}

	reply, err := s.ask(ctx, ownerAddr, routeAskPrefix+entityType, tagShardListRequest,
		&shardListRequest{})
	if err != nil {
		return nil, fmt.Errorf("sharding: asking %s for shard list: %w", ownerAddr, err)
	}

	v, err := s.wireRegistry.Decode(reply.SerializerID, tagShardListReply, reply.Payload)
	if err != nil {
		return nil, err
	}
	list, ok := v.(*shardListReply)
	if !ok {
		return nil, fmt.Errorf("sharding: unexpected reply type for shard list ask")
	}
	return list.Allocations, nil
}
