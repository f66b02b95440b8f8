// Package receptionist implements a cluster-wide, replicated service
// registry: actors register under a ServiceKey and are discoverable by any
// member, with registrations merged across the cluster as a last-writer-wins
// CRDT and automatically torn down when the owning member leaves.
package receptionist

import "github.com/btcsuite/btclog/v2"

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by the receptionist.
func UseLogger(logger btclog.Logger) {
	log = logger
}
