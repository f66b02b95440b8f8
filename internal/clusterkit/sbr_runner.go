package clusterkit

import (
	"context"
	"time"

	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/sbr"
)

// sbrRunner drives a sbr.Resolver against the local membership actor's own
// view of the cluster. Every Up member runs its own runner independently;
// the resolver's determinism over a converged snapshot is what lets them
// agree on the same downing decision without a round of voting.
type sbrRunner struct {
	resolver   sbr.Resolver
	members    *membership.Actor
	bus        *membership.Bus
	onDecision func(decision sbr.Decision)

	doneCh   chan struct{}
	stopOnce func()
}

func newSBRRunner(resolver sbr.Resolver, members *membership.Actor,
	bus *membership.Bus, onDecision func(sbr.Decision)) *sbrRunner {

	r := &sbrRunner{
		resolver:   resolver,
		members:    members,
		bus:        bus,
		onDecision: onDecision,
		doneCh:     make(chan struct{}),
	}
	var once bool
	r.stopOnce = func() {
		if !once {
			once = true
			close(r.doneCh)
		}
	}
	return r
}

// Run tracks how long reachability has been stable/unstable from
// ReachabilityChanged events and evaluates the resolver on CheckInterval.
// Once the stable window has been met it acts on the resolver's decision at
// every tick, until the next ReachabilityChanged event restarts the window.
func (r *sbrRunner) Run(ctx context.Context, checkInterval time.Duration) {
	events, unsubscribe := r.bus.Subscribe(64)
	defer unsubscribe()

	var stableSince, unstableSince time.Time
	stableSince = time.Now()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.doneCh:
			return
		case ev := <-events:
			if _, ok := ev.(membership.ReachabilityChanged); ok {
				now := time.Now()
				stableSince = time.Time{}
				if unstableSince.IsZero() {
					unstableSince = now
				}
			}
		case <-ticker.C:
			if stableSince.IsZero() {
				// No ReachabilityChanged event since the last tick: the
				// view has settled, start (or continue) the stable
				// window from here.
				stableSince = time.Now()
			}

			snap := r.members.Snapshot(ctx)
			self := r.members.Self()

			decision, acted := r.resolver.Decide(snap, self, time.Now(),
				stableSince, unstableSince)
			if !acted {
				continue
			}

			unstableSince = time.Time{}
			r.onDecision(decision)
		}
	}
}

// Stop ends the runner's loop.
func (r *sbrRunner) Stop() {
	r.stopOnce()
}
