package actor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoActorsAvailable is returned by a RoutingStrategy when there are no
// actors registered under the service key to route to.
var ErrNoActorsAvailable = errors.New("no actors available for routing")

// RoutingStrategy selects one actor out of the currently registered set to
// handle the next message. Implementations are called on every Tell/Ask, so
// the returned set always reflects the Receptionist's current membership.
type RoutingStrategy[M Message, R any] interface {
	// Select picks one ActorRef out of the given non-nil slice of
	// candidates. It returns ErrNoActorsAvailable if actors is empty.
	Select(actors []ActorRef[M, R]) (ActorRef[M, R], error)
}

// roundRobinStrategy cycles through the registered actors in turn.
type roundRobinStrategy[M Message, R any] struct {
	next atomic.Uint64
}

// NewRoundRobinStrategy returns the default RoutingStrategy, which
// distributes messages evenly across all registered actors in turn.
func NewRoundRobinStrategy[M Message, R any]() RoutingStrategy[M, R] {
	return &roundRobinStrategy[M, R]{}
}

// Select implements the RoutingStrategy interface.
func (s *roundRobinStrategy[M, R]) Select(
	actors []ActorRef[M, R]) (ActorRef[M, R], error) {

	if len(actors) == 0 {
		return nil, ErrNoActorsAvailable
	}

	idx := s.next.Add(1) - 1

	return actors[idx%uint64(len(actors))], nil
}

// Router is a virtual ActorRef that forwards Tell/Ask calls to whichever
// actor its RoutingStrategy picks out of the set currently registered under
// a ServiceKey. Because it re-resolves the candidate set from the
// Receptionist on every call, a Router transparently follows registrations
// and deregistrations without callers needing to re-fetch it.
type Router[M Message, R any] struct {
	key          ServiceKey[M, R]
	receptionist *Receptionist
	strategy     RoutingStrategy[M, R]
	dlo          ActorRef[Message, any]
}

// NewRouter constructs a Router over the actors registered under key.
func NewRouter[M Message, R any](receptionist *Receptionist,
	key ServiceKey[M, R], strategy RoutingStrategy[M, R],
	dlo ActorRef[Message, any]) ActorRef[M, R] {

	return &Router[M, R]{
		key:          key,
		receptionist: receptionist,
		strategy:     strategy,
		dlo:          dlo,
	}
}

// ID implements the BaseActorRef interface. It identifies the router by the
// service key it routes for, distinguishing it from any single actor ID.
func (r *Router[M, R]) ID() string {
	return fmt.Sprintf("router[%s]", r.key.name)
}

// resolve picks the next actor to handle a message, returning the routing
// strategy's error if none can be selected; Tell and Ask decide what to do
// with that error.
func (r *Router[M, R]) resolve() (ActorRef[M, R], error) {
	candidates := FindInReceptionist(r.receptionist, r.key)
	return r.strategy.Select(candidates)
}

// Tell implements the TellOnlyRef interface.
func (r *Router[M, R]) Tell(ctx context.Context, msg M) {
	target, err := r.resolve()
	if err != nil {
		log.DebugS(ctx, "Router found no actors, routing to DLO",
			"service_key", r.key.name, "err", err)

		r.trySendToDLO(ctx, msg)

		return
	}

	target.Tell(ctx, msg)
}

// Ask implements the ActorRef interface.
func (r *Router[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	target, err := r.resolve()
	if err != nil {
		promise := NewPromise[R]()
		promise.Complete(fn.Err[R](err))

		r.trySendToDLO(ctx, msg)

		return promise.Future()
	}

	return target.Ask(ctx, msg)
}

// trySendToDLO forwards an undeliverable message to the dead letter office,
// best-effort.
func (r *Router[M, R]) trySendToDLO(ctx context.Context, msg M) {
	if r.dlo == nil {
		return
	}

	var anyMsg Message = msg
	r.dlo.Tell(ctx, anyMsg)
}

// Compile-time interface checks.
var (
	_ BaseActorRef                  = (*Router[Message, any])(nil)
	_ RoutingStrategy[Message, any] = (*roundRobinStrategy[Message, any])(nil)
)
