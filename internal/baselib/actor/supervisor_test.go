package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingBehavior counts messages and signals it receives, and can be
// configured to panic on a specific message value.
type countingBehavior struct {
	IgnoreSignals[int]

	received  *[]int
	panicOn   int
	preStarts *int
}

func (b *countingBehavior) Receive(ctx *ActorContext[int], msg int) Next[int] {
	if msg == b.panicOn {
		panic("boom")
	}

	*b.received = append(*b.received, msg)

	return Same[int]()
}

func (b *countingBehavior) ReceiveSignal(ctx *ActorContext[int],
	sig Signal) Next[int] {

	if _, ok := sig.(PreStart); ok {
		*b.preStarts++
	}

	return Same[int]()
}

// TestTypedActorResumeKeepsState verifies that a Resume strategy discards
// the failing message but keeps processing subsequent ones.
func TestTypedActorResumeKeepsState(t *testing.T) {
	t.Parallel()

	var received []int
	preStarts := 0

	factory := func() TypedBehavior[int] {
		return &countingBehavior{
			received: &received, panicOn: 2, preStarts: &preStarts,
		}
	}

	a := NewTypedActor[int](TypedActorConfig[int]{
		ID:         "resume-test",
		Factory:    factory,
		Supervisor: SupervisorStrategy{Kind: Resume},
	})
	defer a.Stop()

	ctx := t.Context()
	a.Tell(ctx, 1)
	a.Tell(ctx, 2) // This one panics and is swallowed by Resume.
	a.Tell(ctx, 3)

	require.Eventually(t, func() bool {
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []int{1, 3}, received)
	require.Equal(t, 1, preStarts, "Resume should not re-run PreStart")
}

// TestTypedActorRestartRebuildsBehavior verifies that a Restart strategy
// creates a fresh behavior instance (observed via a new PreStart) after a
// failure.
func TestTypedActorRestartRebuildsBehavior(t *testing.T) {
	t.Parallel()

	var received []int
	preStarts := 0

	factory := func() TypedBehavior[int] {
		return &countingBehavior{
			received: &received, panicOn: 2, preStarts: &preStarts,
		}
	}

	a := NewTypedActor[int](TypedActorConfig[int]{
		ID:      "restart-test",
		Factory: factory,
		Supervisor: SupervisorStrategy{
			Kind: Restart,
		},
	})
	defer a.Stop()

	ctx := t.Context()
	a.Tell(ctx, 1)
	a.Tell(ctx, 2) // Panics, triggering a restart.
	a.Tell(ctx, 3)

	require.Eventually(t, func() bool {
		return preStarts == 2 && len(received) == 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []int{1, 3}, received,
		"message 2 is dropped by the restart; received is shared by every "+
			"behavior instance the factory builds")
}

// TestTypedActorStopOnUnrecoveredFailure verifies that the default Stop
// strategy terminates the actor after a panic.
func TestTypedActorStopOnUnrecoveredFailure(t *testing.T) {
	t.Parallel()

	var received []int
	preStarts := 0

	factory := func() TypedBehavior[int] {
		return &countingBehavior{
			received: &received, panicOn: 1, preStarts: &preStarts,
		}
	}

	a := NewTypedActor[int](TypedActorConfig[int]{
		ID:         "stop-test",
		Factory:    factory,
		Supervisor: DefaultSupervisorStrategy(),
	})

	a.Tell(t.Context(), 1)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor should have stopped after an unrecovered failure")
	}
}

// TestTypedActorRestartLimitFallsThroughToStop verifies that exceeding
// MaxRetries within Window stops the actor instead of restarting forever.
func TestTypedActorRestartLimitFallsThroughToStop(t *testing.T) {
	t.Parallel()

	var received []int
	preStarts := 0

	factory := func() TypedBehavior[int] {
		return &countingBehavior{
			received: &received, panicOn: 1, preStarts: &preStarts,
		}
	}

	a := NewTypedActor[int](TypedActorConfig[int]{
		ID:      "restart-limit-test",
		Factory: factory,
		Supervisor: SupervisorStrategy{
			Kind:       Restart,
			MaxRetries: 1,
			Window:     time.Minute,
		},
	})

	ctx := t.Context()
	a.Tell(ctx, 1)
	a.Tell(ctx, 1)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor should have stopped after exceeding restart limit")
	}
}

// TestTypedActorSpawnChildRejectsDuplicateName verifies that spawning two
// children under the same name fails with ErrNameExists.
func TestTypedActorSpawnChildRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	var parentReceived []int
	parentPreStarts := 0

	parent := NewTypedActor[int](TypedActorConfig[int]{
		ID: "parent",
		Factory: func() TypedBehavior[int] {
			return &countingBehavior{
				received: &parentReceived, panicOn: -1,
				preStarts: &parentPreStarts,
			}
		},
		Supervisor: DefaultSupervisorStrategy(),
	})
	defer parent.Stop()

	var childReceived []int
	childPreStarts := 0
	childFactory := func() TypedBehavior[int] {
		return &countingBehavior{
			received: &childReceived, panicOn: -1,
			preStarts: &childPreStarts,
		}
	}

	require.Eventually(t, func() bool {
		return parentPreStarts == 1
	}, time.Second, 5*time.Millisecond)

	ctx := &ActorContext[int]{self: parent}

	_, err := ctx.Spawn("worker", TypedActorConfig[int]{
		Factory:    childFactory,
		Supervisor: DefaultSupervisorStrategy(),
	})
	require.NoError(t, err)

	_, err = ctx.Spawn("worker", TypedActorConfig[int]{
		Factory:    childFactory,
		Supervisor: DefaultSupervisorStrategy(),
	})
	require.ErrorIs(t, err, ErrNameExists)
}
