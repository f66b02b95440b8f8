// Package pubsub implements cluster-wide topics: every member hosting at
// least one local subscriber to a topic registers a topic actor under a
// reserved receptionist service key, and a Publish on any member fans the
// message out to every local subscriber plus every peer's topic actor
// discovered through the receptionist.
package pubsub

import "github.com/btcsuite/btclog/v2"

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by pubsub.
func UseLogger(logger btclog.Logger) {
	log = logger
}
