// Package singleton manages a cluster singleton: one long-lived instance
// per named role, running on exactly one member at a time (the oldest Up
// member satisfying an optional role filter), with a buffering proxy on
// every other member that forwards messages to whichever member currently
// hosts the instance.
package singleton

import "github.com/btcsuite/btclog/v2"

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by the singleton manager.
func UseLogger(logger btclog.Logger) {
	log = logger
}
