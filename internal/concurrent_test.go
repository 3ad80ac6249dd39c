package internal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConcurrentBoundsInFlight(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	start := make(chan struct{})

	handle, stop := Concurrent(2, func(context.Context, int) {
		n := inFlight.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		<-start
		inFlight.Add(-1)
	})

	// handle blocks once n calls are in flight, so the calls are made from
	// their own goroutine while this one releases them.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			handle(context.Background(), i)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(start)
	<-done
	stop()

	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestConcurrentUnboundedRunsAllCalls(t *testing.T) {
	var count atomic.Int32
	handle, stop := Concurrent(0, func(context.Context, int) { count.Add(1) })

	for i := 0; i < 10; i++ {
		handle(context.Background(), i)
	}
	stop()

	assert.Equal(t, int32(10), count.Load())
}
