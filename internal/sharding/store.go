package sharding

import "context"

// EntityStore persists the remember-entities set: which entities must be
// reactivated automatically whenever their shard starts, surviving a shard
// handoff or a whole-process restart. Kept separate from internal/store so
// this package never depends on a concrete database; the clusterkit facade
// adapts store.Store's sqlite-backed methods to it.
type EntityStore interface {
	RememberEntity(ctx context.Context, entityType string, shardID uint32, entityID string) error
	ForgetEntity(ctx context.Context, entityType string, shardID uint32, entityID string) error
	RememberedEntitiesForShard(ctx context.Context, entityType string, shardID uint32) ([]string, error)
	ForgetShard(ctx context.Context, entityType string, shardID uint32) error
}

// AllocationStore persists the coordinator's shard->member allocation
// table, so a restarted coordinator singleton can rebuild it without
// forcing every shard through a fresh rebalance.
type AllocationStore interface {
	SaveAllocation(ctx context.Context, entityType string, shardID uint32, memberAddress string) error
	RemoveAllocation(ctx context.Context, entityType string, shardID uint32) error
	LoadAllocations(ctx context.Context, entityType string) (map[uint32]string, error)
	ClearAllocationsForMember(ctx context.Context, memberAddress string) error
}

// noopEntityStore implements EntityStore as a no-op, used when
// remember-entities is disabled for an entity type (sharding.number-of-shards
// config's remember-entities flag defaults to off).
type noopEntityStore struct{}

func (noopEntityStore) RememberEntity(context.Context, string, uint32, string) error { return nil }
func (noopEntityStore) ForgetEntity(context.Context, string, uint32, string) error    { return nil }
func (noopEntityStore) RememberedEntitiesForShard(context.Context, string, uint32) ([]string, error) {
	return nil, nil
}
func (noopEntityStore) ForgetShard(context.Context, string, uint32) error { return nil }

// NoopEntityStore returns an EntityStore that remembers nothing, for entity
// types that don't opt into remember-entities.
func NoopEntityStore() EntityStore { return noopEntityStore{} }
