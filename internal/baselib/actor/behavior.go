package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// functionBehavior adapts a plain function into an ActorBehavior, so simple
// actors don't need to declare a named type just to implement Receive.
type functionBehavior[M Message, R any] struct {
	receive func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior wraps a function as an ActorBehavior[M, R]. This is the
// quickest way to stand up an actor whose behavior doesn't change over its
// lifetime and needs no OnStop hook.
func NewFunctionBehavior[M Message, R any](
	receive func(ctx context.Context, msg M) fn.Result[R],
) ActorBehavior[M, R] {

	return &functionBehavior[M, R]{receive: receive}
}

// Receive implements the ActorBehavior interface.
func (f *functionBehavior[M, R]) Receive(ctx context.Context,
	msg M) fn.Result[R] {

	return f.receive(ctx, msg)
}
