// Package membership implements cluster membership: gossip dissemination of
// member state, phi-accrual failure detection over the reachability graph,
// and deterministic leader election over the resulting ring.
package membership

import (
	btclog "github.com/btcsuite/btclog/v2"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-wide logger used by the membership subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
}
