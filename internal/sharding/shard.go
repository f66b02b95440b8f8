package sharding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
)

// ShardConfig controls a Shard's entity lifecycle.
type ShardConfig struct {
	// EntityType names the kind of entity this shard hosts, used as the
	// remember-entities/allocation store's partition key.
	EntityType string

	// IdleTimeout passivates an entity that has received no message for
	// this long. Zero disables passivation.
	IdleTimeout time.Duration

	// SweepInterval is how often idle entities are checked.
	SweepInterval time.Duration

	// RememberEntities, when true, persists each activation via
	// EntityStore and reactivates the remembered set on Start.
	RememberEntities bool

	// Supervisor governs how a hosted entity's TypedActor responds to a
	// panic raised out of Entity.Receive. The zero value is replaced
	// with DefaultEntitySupervisorStrategy.
	Supervisor actor.SupervisorStrategy

	// MailboxSize bounds each entity's TypedActor mailbox. Zero defaults
	// to the TypedActor package default.
	MailboxSize int
}

// DefaultEntitySupervisorStrategy restarts an entity's actor up to 3 times
// within a 30 second window on an unrecovered panic, with a short jittered
// backoff, before giving up and stopping it -- a panicking entity should
// not take down the member hosting its shard, but it also should not spin
// forever if its Receive is fundamentally broken.
func DefaultEntitySupervisorStrategy() actor.SupervisorStrategy {
	return actor.SupervisorStrategy{
		Kind:       actor.Restart,
		MaxRetries: 3,
		Window:     30 * time.Second,
		Backoff: actor.BackoffConfig{
			Min:          50 * time.Millisecond,
			Max:          2 * time.Second,
			RandomFactor: 0.2,
		},
	}
}

type shardCommand struct {
	deliver   *deliverCmd
	passivate string
	handoff   chan struct{}
}

type deliverCmd struct {
	entityID string
	msg      interface{}
}

// shardEntity pairs a hosted Entity with the supervised TypedActor that
// serializes delivery to it and recovers it from a panicking Receive per
// the configured SupervisorStrategy.
type shardEntity struct {
	entity Entity
	ref    *actor.TypedActor[interface{}]
}

// entityBehavior adapts an Entity into the TypedBehavior a TypedActor
// drives. Receive is the only message-handling surface; Stop is invoked
// directly by the Shard rather than through a lifecycle Signal, since the
// Shard itself needs to block until it has actually returned before
// forgetting the entity (handoff and passivation both depend on that).
type entityBehavior struct {
	actor.IgnoreSignals[interface{}]
	entity Entity
}

// Receive implements actor.TypedBehavior.
func (b *entityBehavior) Receive(ctx *actor.ActorContext[interface{}],
	msg interface{}) actor.Next[interface{}] {

	b.entity.Receive(ctx.Context(), msg)
	return actor.Same[interface{}]()
}

// Shard hosts the entities belonging to one shard ID, activating them on
// first message (or eagerly, for remembered entities) and passivating them
// after IdleTimeout. Each hosted entity runs behind its own supervised
// TypedActor, so a panic inside one entity's Receive suspends and recovers
// that entity alone instead of crashing the shard's command loop.
type Shard struct {
	id      uint32
	cfg     ShardConfig
	factory EntityFactory
	store   EntityStore

	cmdCh    chan shardCommand
	doneCh   chan struct{}
	stopOnce sync.Once

	entities   map[string]*shardEntity
	lastActive map[string]time.Time
}

// NewShard returns a Shard for id, hosting entities built by factory and
// remembered via store (use NoopEntityStore() if RememberEntities is
// false).
func NewShard(id uint32, cfg ShardConfig, factory EntityFactory, store EntityStore) *Shard {
	if cfg.Supervisor == (actor.SupervisorStrategy{}) {
		cfg.Supervisor = DefaultEntitySupervisorStrategy()
	}

	return &Shard{
		id:         id,
		cfg:        cfg,
		factory:    factory,
		store:      store,
		cmdCh:      make(chan shardCommand, 256),
		doneCh:     make(chan struct{}),
		entities:   make(map[string]*shardEntity),
		lastActive: make(map[string]time.Time),
	}
}

// ID returns the shard's numeric ID.
func (s *Shard) ID() uint32 { return s.id }

// Deliver routes msg to entityID, activating it first if necessary.
func (s *Shard) Deliver(ctx context.Context, entityID string, msg interface{}) {
	select {
	case s.cmdCh <- shardCommand{deliver: &deliverCmd{entityID: entityID, msg: msg}}:
	case <-ctx.Done():
	case <-s.doneCh:
	}
}

// Passivate requests that entityID be stopped and forgotten as idle,
// normally triggered by the entity itself signaling it has no more work.
func (s *Shard) Passivate(ctx context.Context, entityID string) {
	select {
	case s.cmdCh <- shardCommand{passivate: entityID}:
	case <-ctx.Done():
	case <-s.doneCh:
	}
}

// Handoff stops every hosted entity, used when the coordinator reassigns
// this shard to another member. It blocks until every entity has stopped.
func (s *Shard) Handoff(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case s.cmdCh <- shardCommand{handoff: reply}:
	case <-ctx.Done():
		return
	case <-s.doneCh:
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// Run drives the shard's command loop until ctx is cancelled or Stop is
// called. If RememberEntities is set, remembered entities are reactivated
// before the loop begins accepting new commands.
func (s *Shard) Run(ctx context.Context) {
	if s.cfg.RememberEntities {
		s.reactivateRemembered(ctx)
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if s.cfg.IdleTimeout > 0 && s.cfg.SweepInterval > 0 {
		ticker = time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll(context.Background())
			return
		case <-s.doneCh:
			s.stopAll(context.Background())
			return
		case <-tickC:
			s.sweepIdle(ctx)
		case cmd := <-s.cmdCh:
			s.handle(ctx, cmd)
		}
	}
}

// Stop ends the shard's command loop.
func (s *Shard) Stop() {
	s.stopOnce.Do(func() { close(s.doneCh) })
}

func (s *Shard) handle(ctx context.Context, cmd shardCommand) {
	switch {
	case cmd.deliver != nil:
		s.onDeliver(ctx, cmd.deliver.entityID, cmd.deliver.msg)
	case cmd.passivate != "":
		s.onPassivate(ctx, cmd.passivate)
	case cmd.handoff != nil:
		s.stopAll(ctx)
		close(cmd.handoff)
	}
}

func (s *Shard) onDeliver(ctx context.Context, entityID string, msg interface{}) {
	se, ok := s.entities[entityID]
	if !ok {
		se = s.activate(ctx, entityID)
	}
	s.lastActive[entityID] = time.Now()
	se.ref.Tell(ctx, msg)
}

// spawnEntity constructs the Entity and its supervising TypedActor, but
// does not register it with the shard or the remember-entities store --
// callers decide that part based on why they're activating.
func (s *Shard) spawnEntity(entityID string) *shardEntity {
	entity := s.factory(entityID)

	ref := actor.NewTypedActor[interface{}](actor.TypedActorConfig[interface{}]{
		ID:          fmt.Sprintf("%s/%d/%s", s.cfg.EntityType, s.id, entityID),
		Factory:     func() actor.TypedBehavior[interface{}] { return &entityBehavior{entity: entity} },
		Supervisor:  s.cfg.Supervisor,
		MailboxSize: s.cfg.MailboxSize,
	})

	return &shardEntity{entity: entity, ref: ref}
}

func (s *Shard) activate(ctx context.Context, entityID string) *shardEntity {
	se := s.spawnEntity(entityID)
	s.entities[entityID] = se

	if s.cfg.RememberEntities {
		if err := s.store.RememberEntity(ctx, s.cfg.EntityType, s.id, entityID); err != nil {
			log.WarnS(ctx, "failed to persist remembered entity",
				"entity_type", s.cfg.EntityType, "shard", s.id,
				"entity", entityID, "err", err)
		}
	}
	return se
}

func (s *Shard) onPassivate(ctx context.Context, entityID string) {
	se, ok := s.entities[entityID]
	if !ok {
		return
	}
	s.stopEntity(ctx, se)
	delete(s.entities, entityID)
	delete(s.lastActive, entityID)

	if s.cfg.RememberEntities {
		if err := s.store.ForgetEntity(ctx, s.cfg.EntityType, s.id, entityID); err != nil {
			log.WarnS(ctx, "failed to forget passivated entity",
				"entity_type", s.cfg.EntityType, "shard", s.id,
				"entity", entityID, "err", err)
		}
	}
}

// stopEntity stops se's TypedActor and waits for its run loop to exit
// before invoking Entity.Stop, so a message already queued ahead of the
// stop request is still delivered and the entity never sees Stop and
// Receive race against each other.
func (s *Shard) stopEntity(ctx context.Context, se *shardEntity) {
	se.ref.Stop()
	select {
	case <-se.ref.Done():
	case <-ctx.Done():
	}
	se.entity.Stop(ctx)
}

func (s *Shard) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	for entityID, last := range s.lastActive {
		if last.Before(cutoff) {
			s.onPassivate(ctx, entityID)
		}
	}
}

func (s *Shard) stopAll(ctx context.Context) {
	for entityID, se := range s.entities {
		s.stopEntity(ctx, se)
		delete(s.entities, entityID)
		delete(s.lastActive, entityID)
	}
}

func (s *Shard) reactivateRemembered(ctx context.Context) {
	ids, err := s.store.RememberedEntitiesForShard(ctx, s.cfg.EntityType, s.id)
	if err != nil {
		log.WarnS(ctx, "failed to load remembered entities",
			"entity_type", s.cfg.EntityType, "shard", s.id, "err", err)
		return
	}
	for _, entityID := range ids {
		s.entities[entityID] = s.spawnEntity(entityID)
		s.lastActive[entityID] = time.Now()
	}
}
