package clusterkit

import "golang.org/x/sync/errgroup"

// defaultDispatcherConcurrency bounds the number of inbound envelopes
// processed concurrently when no explicit Config.Dispatcher.MaxConcurrency
// is set.
const defaultDispatcherConcurrency = 256

// dispatcher runs onEnvelope's handoff work (shard-forward delivery,
// coordinator asks, handoff notices, remote pub/sub delivery) on a bounded
// pool instead of one goroutine per inbound envelope, so a burst of
// cluster traffic applies backpressure on the originating Conn's reader
// loop rather than growing goroutines without bound.
type dispatcher struct {
	grp *errgroup.Group
}

func newDispatcher(maxConcurrency int) *dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultDispatcherConcurrency
	}

	grp := &errgroup.Group{}
	grp.SetLimit(maxConcurrency)

	return &dispatcher{grp: grp}
}

// dispatch runs fn on the bounded pool. It blocks the caller once
// maxConcurrency workers are already busy, which is the desired
// backpressure: the Transport's EnvelopeHandler contract only promises
// ordered, in-order delivery per Conn, not unbounded fan-out.
func (d *dispatcher) dispatch(fn func()) {
	d.grp.Go(func() error {
		fn()
		return nil
	})
}
