package actor

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// log is the package-level logger used throughout the actor runtime. It
// defaults to a disabled logger so that the package produces no output
// unless a caller wires up a real backend via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-wide logger used by the actor runtime. Callers
// that want actor lifecycle and mailbox events on their own log stream
// should call this during startup, before any ActorSystem is created.
func UseLogger(logger btclog.Logger) {
	log = logger
}
