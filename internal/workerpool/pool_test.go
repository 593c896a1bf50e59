package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityOrderDrainsCompleteIOFirst(t *testing.T) {
	p := New(nil, WithResizeInterval(time.Hour), WithFixedWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string

	// Every job is queued before Run starts the single worker, so class
	// priority alone decides the drain order. This blocking job heads
	// the CRYPTO queue, so "crypto" runs only after gate is closed.
	gate := make(chan struct{})
	p.Submit(ClassCrypto, func(ctx context.Context, ts *TransformState) {
		<-gate
	})

	done := make(chan struct{}, 3)
	record := func(name string) Job {
		return func(ctx context.Context, ts *TransformState) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}
	p.Submit(ClassCrypto, record("crypto"))
	p.Submit(ClassUpdateChunk, record("update_chunk"))
	p.Submit(ClassCompleteIO, record("complete_io"))

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("jobs never completed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"complete_io", "update_chunk", "crypto"}, order)
}

func TestIOLoopIsIndependentOfCryptoQueue(t *testing.T) {
	p := New(nil, WithResizeInterval(time.Hour), WithFixedWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	p.Submit(ClassCrypto, func(ctx context.Context, ts *TransformState) {
		<-gate
	})

	var ioRan atomic.Bool
	ioDone := make(chan struct{})
	p.SubmitIO(func(ctx context.Context) {
		ioRan.Store(true)
		close(ioDone)
	})

	go p.Run(ctx)

	select {
	case <-ioDone:
	case <-time.After(time.Second):
		t.Fatal("IO submission should run even while the crypto queue is blocked")
	}
	require.True(t, ioRan.Load())
	close(gate)
}

func TestRequestLoopPreservesOrder(t *testing.T) {
	p := New(nil, WithResizeInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var mu sync.Mutex
	var seq []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		p.SubmitRequest(func(ctx context.Context) {
			mu.Lock()
			seq = append(seq, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seq)
}
