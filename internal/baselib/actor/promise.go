package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promiseImpl is the concrete Promise/Future pair used to bridge an actor's
// asynchronous Ask reply back to the caller. A promiseImpl is completed at
// most once; subsequent completions are no-ops.
type promiseImpl[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	once     sync.Once
	result   fn.Result[T]
	complete bool

	callbackMu sync.Mutex
	callbacks  []func(fn.Result[T])
}

// NewPromise creates a fresh, uncompleted Promise[T].
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Complete implements the Promise interface.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	set := false

	p.once.Do(func() {
		p.mu.Lock()
		p.result = result
		p.complete = true
		p.mu.Unlock()

		close(p.done)
		set = true
	})

	if set {
		p.callbackMu.Lock()
		callbacks := p.callbacks
		p.callbacks = nil
		p.callbackMu.Unlock()

		for _, cb := range callbacks {
			cb(result)
		}
	}

	return set
}

// Future implements the Promise interface.
func (p *promiseImpl[T]) Future() Future[T] {
	return &futureImpl[T]{p: p}
}

// futureImpl is the read-only view of a promiseImpl handed out to callers.
type futureImpl[T any] struct {
	p *promiseImpl[T]
}

// Await implements the Future interface.
func (f *futureImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-f.p.done:
		f.p.mu.Lock()
		defer f.p.mu.Unlock()
		return f.p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply implements the Future interface.
func (f *futureImpl[T]) ThenApply(ctx context.Context,
	apply func(T) T) Future[T] {

	next := NewPromise[T]()

	go func() {
		result := f.Await(ctx)

		if val, err := result.Unpack(); err == nil {
			next.Complete(fn.Ok(apply(val)))
		} else {
			next.Complete(result)
		}
	}()

	return next.Future()
}

// OnComplete implements the Future interface.
func (f *futureImpl[T]) OnComplete(ctx context.Context, cb func(fn.Result[T])) {
	f.p.mu.Lock()
	if f.p.complete {
		result := f.p.result
		f.p.mu.Unlock()
		cb(result)
		return
	}
	f.p.mu.Unlock()

	var fired sync.Once
	guarded := func(result fn.Result[T]) {
		fired.Do(func() { cb(result) })
	}

	f.p.callbackMu.Lock()
	f.p.callbacks = append(f.p.callbacks, guarded)
	f.p.callbackMu.Unlock()

	go func() {
		select {
		case <-f.p.done:
			f.p.mu.Lock()
			result := f.p.result
			f.p.mu.Unlock()
			guarded(result)
		case <-ctx.Done():
			guarded(fn.Err[T](ctx.Err()))
		}
	}()
}
