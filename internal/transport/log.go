// Package transport provides reliable, ordered duplex byte streams between
// cluster members, carrying internal/wire envelopes. One logical connection
// is kept per peer; the transport never reorders or duplicates frames, and
// it never retries an application send on failure -- it only reports the
// failure upward so the membership layer's failure detector can act on it.
package transport

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// log is the package-level logger, defaulting to disabled output until a
// caller wires up a real backend via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-wide logger used by the transport.
func UseLogger(logger btclog.Logger) {
	log = logger
}
