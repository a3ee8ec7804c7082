package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubTask is a workerTask driven entirely by the test.
type stubTask struct {
	runFn func(ctx context.Context, w *Worker) error
}

func (t *stubTask) run(ctx context.Context, w *Worker) error { return t.runFn(ctx, w) }

func blockingTask() workerTask {
	return &stubTask{runFn: func(ctx context.Context, w *Worker) error {
		<-ctx.Done()
		return ctx.Err()
	}}
}

func TestRegistryAcquireDedups(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obj := PacketObject("mocknet-1", "mocknet-2", "channel-0", "transfer")

	var spawned atomic.Int64
	newTask := func() workerTask {
		spawned.Add(1)
		return blockingTask()
	}

	var wg sync.WaitGroup
	workers := make([]*Worker, 32)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workers[i], _ = r.Acquire(ctx, obj, newTask)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), spawned.Load(), "the same object may never spawn twice")
	require.Equal(t, 1, r.Len())
	for _, w := range workers[1:] {
		require.Same(t, workers[0], w)
	}
}

func TestRegistryEvictsSelfExitedWorker(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	obj := WalletObject("mocknet-1")
	done := &stubTask{runFn: func(ctx context.Context, w *Worker) error { return nil }}

	w, created := r.Acquire(ctx, obj, func() workerTask { return done })
	require.True(t, created)

	// eviction happens before the done channel closes
	<-w.Done()
	require.Equal(t, 0, r.Len())
	require.NoError(t, w.Err())

	w2, created := r.Acquire(ctx, obj, func() workerTask { return blockingTask() })
	require.True(t, created, "a retired object spawns fresh")
	require.NotSame(t, w, w2)
	require.True(t, r.Retire(obj))
}

func TestWorkerExitErrorIsRetained(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)

	boom := errors.New("boom")
	w, _ := r.Acquire(context.Background(), WalletObject("mocknet-1"), func() workerTask {
		return &stubTask{runFn: func(ctx context.Context, w *Worker) error { return boom }}
	})

	<-w.Done()
	require.ErrorIs(t, w.Err(), boom)
	require.Equal(t, 0, r.Len())
}

func TestRegistryRetire(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)

	obj := ClientObject("mocknet-1", "mocknet-2", "07-mock-0")
	w, _ := r.Acquire(context.Background(), obj, func() workerTask { return blockingTask() })

	require.True(t, r.Retire(obj))
	<-w.Done()
	require.Equal(t, 0, r.Len())

	require.False(t, r.Retire(obj), "retiring an absent object is a no-op")
}

func TestRegistryRetireWhere(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	ctx := context.Background()
	spawn := func() workerTask { return blockingTask() }

	r.Acquire(ctx, PacketObject("mocknet-1", "mocknet-2", "channel-0", "transfer"), spawn)
	r.Acquire(ctx, PacketObject("mocknet-2", "mocknet-1", "channel-0", "transfer"), spawn)
	r.Acquire(ctx, ClientObject("mocknet-1", "mocknet-2", "07-mock-0"), spawn)

	n := r.RetireWhere(func(o WorkerObject) bool { return o.Kind == ObjectPacket })
	require.Equal(t, 2, n)
	require.Equal(t, 1, r.Len(), "the client worker must survive")

	require.NoError(t, r.Shutdown())
	require.Equal(t, 0, r.Len())
}

func TestRegistryStatusSorted(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	ctx := context.Background()
	spawn := func() workerTask { return blockingTask() }

	r.Acquire(ctx, WalletObject("mocknet-2"), spawn)
	r.Acquire(ctx, WalletObject("mocknet-1"), spawn)
	defer r.Shutdown()

	st := r.Status()
	require.Len(t, st, 2)
	require.Equal(t, "wallet{mocknet-1}", st[0].Object)
	require.Equal(t, "wallet{mocknet-2}", st[1].Object)
	require.Equal(t, "wallet", st[0].Kind)
}
