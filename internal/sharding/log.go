// Package sharding implements entity sharding: stateful entities identified
// by an application key are distributed across shards, shards are
// distributed across members by a coordinator singleton, and a per-member
// region routes messages to the right shard, spawning and passivating
// entity actors on demand.
package sharding

import "github.com/btcsuite/btclog/v2"

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by sharding.
func UseLogger(logger btclog.Logger) {
	log = logger
}
