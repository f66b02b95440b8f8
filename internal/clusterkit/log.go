// Package clusterkit composes internal/membership, internal/sbr,
// internal/receptionist, internal/pubsub, internal/singleton, and
// internal/sharding into one running cluster member: a System. It is the
// only package that wires these subsystems to a concrete
// internal/transport connection and internal/store database; every other
// package only knows the narrow seam it needs.
package clusterkit

import "github.com/btcsuite/btclog/v2"

var log btclog.Logger = btclog.Disabled

// UseLogger installs a logger for the clusterkit subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
}
