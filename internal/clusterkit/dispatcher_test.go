package clusterkit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherBoundsConcurrency(t *testing.T) {
	const limit = 3
	const jobs = 20

	d := newDispatcher(limit)

	var (
		running atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	release := make(chan struct{})
	wg.Add(jobs)

	for i := 0; i < jobs; i++ {
		d.dispatch(func() {
			defer wg.Done()

			cur := running.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}

			<-release
			running.Add(-1)
		})
	}

	// Give every worker slot a chance to be claimed before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)

	wg.Wait()

	require.LessOrEqual(t, maxSeen.Load(), int64(limit))
}

func TestDispatcherZeroUsesDefault(t *testing.T) {
	d := newDispatcher(0)
	require.NotNil(t, d)

	var wg sync.WaitGroup
	wg.Add(1)
	d.dispatch(func() { wg.Done() })
	wg.Wait()
}
