package fabric_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aexowork/fabric/internal/fabric"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := fabric.NewWorkerPool(2, 16, zerolog.Nop())
	pool.Start(ctx)

	var mu sync.Mutex
	done := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			done++
			mu.Unlock()
		})
	}
	wg.Wait()
	require.Equal(t, 10, done)
	require.Zero(t, pool.Dropped())
}

func TestWorkerPoolDropsWhenQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := fabric.NewWorkerPool(1, 1, zerolog.Nop())
	pool.Start(ctx)

	block := make(chan struct{})
	pool.Submit(func() { <-block }) // occupies the worker
	time.Sleep(20 * time.Millisecond)
	pool.Submit(func() {}) // fills the queue
	pool.Submit(func() {}) // dropped
	pool.Submit(func() {}) // dropped

	require.Eventually(t, func() bool { return pool.Dropped() == 2 },
		time.Second, 10*time.Millisecond)
	close(block)
}

func TestWorkerPoolSurvivesPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := fabric.NewWorkerPool(1, 4, zerolog.Nop())
	pool.Start(ctx)

	pool.Submit(func() { panic("task blew up") })

	done := make(chan struct{})
	pool.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panicking task")
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := fabric.AnchorConfirmBackoff()
	require.Equal(t, 5, b.Steps())

	quick := fabric.NewBackoff(5 * time.Millisecond)
	start := time.Now()
	require.NoError(t, quick.Wait(context.Background(), 0))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	// Out-of-range steps return immediately.
	require.NoError(t, quick.Wait(context.Background(), 7))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	slow := fabric.NewBackoff(time.Minute)
	require.Error(t, slow.Wait(cancelled, 0))
}
