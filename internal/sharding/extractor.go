package sharding

import "hash/fnv"

// MessageExtractor maps an incoming message to the entity it belongs to and
// the shard that entity lives in, the same two-step resolution
// torua's ShardRegistry.GetShardForKey performs via consistent hashing,
// adapted here to operate on an application-supplied entity ID rather than
// a raw key string.
type MessageExtractor interface {
	// EntityID returns the entity identifier msg is addressed to.
	EntityID(msg interface{}) string

	// ShardID returns the shard entityID is assigned to, in
	// [0, numShards).
	ShardID(entityID string, numShards uint32) uint32
}

// HashExtractor is a MessageExtractor whose EntityID is supplied directly
// by the caller and whose ShardID is derived by FNV-1a hashing the entity
// ID modulo the shard count, matching torua's GetShardForKey algorithm.
type HashExtractor struct {
	// EntityIDFunc extracts the entity ID from an incoming message.
	EntityIDFunc func(msg interface{}) string
}

// EntityID implements MessageExtractor.
func (e HashExtractor) EntityID(msg interface{}) string {
	return e.EntityIDFunc(msg)
}

// ShardID implements MessageExtractor using FNV-1a modulo numShards.
func (e HashExtractor) ShardID(entityID string, numShards uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return h.Sum32() % numShards
}
