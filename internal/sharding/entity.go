package sharding

import "context"

// Entity is one sharded, stateful actor instance, addressed by entity ID
// and hosted by exactly one Shard at a time.
type Entity interface {
	// Receive handles one message addressed to this entity.
	Receive(ctx context.Context, msg interface{})

	// Stop releases any resources held by the entity, called on
	// passivation or shard handoff.
	Stop(ctx context.Context)
}

// EntityFactory creates a new Entity for entityID. Invoked the first time a
// message arrives for an entity with no running instance, and again during
// remember-entities startup for any entity the shard previously hosted.
type EntityFactory func(entityID string) Entity
