package clusterkit

import (
	"time"

	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/pubsub"
	"github.com/clusterkit/clusterkit/internal/receptionist"
	"github.com/clusterkit/clusterkit/internal/sbr"
	"github.com/clusterkit/clusterkit/internal/store"
	"github.com/clusterkit/clusterkit/internal/transport"
)

// Config aggregates every subsystem's configuration into the single value
// New needs to assemble a System.
type Config struct {
	Membership   membership.Config
	Transport    transport.Config
	SBR          SBRConfig
	Receptionist receptionist.Config
	PubSub       pubsub.Config

	// Store, when DatabaseFileName is non-empty, opens a sqlite-backed
	// store.Store used for singleton lease handover and sharding's
	// remember-entities/allocation persistence. Leave DatabaseFileName
	// empty for a member that hosts no singletons or sharded entity
	// types (e.g. a pure seed/gateway node).
	Store store.SqliteConfig

	Dispatcher DispatcherConfig
}

// DispatcherConfig bounds the worker pool that processes inbound envelopes
// handed off from a Conn's reader loop.
type DispatcherConfig struct {
	// MaxConcurrency caps the number of envelope handlers running at
	// once. Zero means defaultDispatcherConcurrency.
	MaxConcurrency int
}

// SBRConfig controls the split-brain resolver loop a System runs
// alongside membership.
type SBRConfig struct {
	Strategy            sbr.Strategy
	StableAfter         time.Duration
	DownAllWhenUnstable bool
	CheckInterval       time.Duration
}

// DefaultConfig returns a Config with every subsystem's own defaults, a
// keep-majority SBR strategy, and no store (callers that need singletons or
// sharding must set Store.DatabaseFileName).
func DefaultConfig(selfAddress string) Config {
	return Config{
		Membership:   membership.DefaultConfig(selfAddress),
		Transport:    transport.DefaultConfig(),
		Receptionist: receptionist.DefaultConfig(),
		PubSub:       pubsub.DefaultConfig(),
		SBR: SBRConfig{
			Strategy:            sbr.KeepMajority{},
			StableAfter:         20 * time.Second,
			DownAllWhenUnstable: true,
			CheckInterval:       time.Second,
		},
		Dispatcher: DispatcherConfig{MaxConcurrency: defaultDispatcherConcurrency},
	}
}
