package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

const (
	// workerInboxSize bounds how many event batches a worker can queue
	// before delivery starts coalescing.
	workerInboxSize = 16

	// retireTimeout bounds how long a retire waits for a worker to exit.
	retireTimeout = 5 * time.Second
)

// workerTask is the object-specific state machine a worker drives. run
// blocks consuming the worker's inbox until ctx is done or the object no
// longer needs a worker, in which case it returns nil and the worker
// retires itself.
type workerTask interface {
	run(ctx context.Context, w *Worker) error
}

// Worker is one live worker: a single goroutine owning one object's state,
// fed through a bounded inbox.
type Worker struct {
	log    *zap.Logger
	object WorkerObject
	task   workerTask

	events chan provider.EventBatch
	flushC chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   string
	started time.Time
	exitErr error
}

func newWorker(log *zap.Logger, object WorkerObject, task workerTask) *Worker {
	return &Worker{
		log:     log.With(zap.String("worker", object.String())),
		object:  object,
		task:    task,
		events:  make(chan provider.EventBatch, workerInboxSize),
		flushC:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   "starting",
		started: time.Now(),
	}
}

// Object returns the worker's identity.
func (w *Worker) Object() WorkerObject { return w.object }

// Done closes when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the worker's exit error, nil while running or after a clean
// exit.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Deliver hands an event batch to the worker without ever blocking the
// caller. When the inbox is full the oldest queued batch is dropped so the
// newest survives; workers reconstruct anything missed from chain queries
// on their next flush. Deliver assumes a single producer (the scheduler
// loop).
func (w *Worker) Deliver(batch provider.EventBatch) {
	for {
		select {
		case w.events <- batch:
			return
		default:
		}
		select {
		case <-w.events:
		default:
		}
	}
}

// Flush asks the worker for a full reconciliation pass. Requests coalesce:
// a pending flush absorbs later ones.
func (w *Worker) Flush() {
	select {
	case w.flushC <- struct{}{}:
	default:
	}
}

// run executes the task and reports the exit. onExit removes the registry
// entry; it must not block.
func (w *Worker) run(ctx context.Context, onExit func(*Worker)) {
	defer close(w.done)
	defer onExit(w)

	err := w.task.run(ctx, w)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.mu.Lock()
		w.exitErr = err
		w.mu.Unlock()
		w.log.Error("Worker exited with error", zap.Error(err))
		return
	}
	w.log.Debug("Worker exited")
}

func (w *Worker) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// WorkerStatus is a point-in-time view of one live worker, consumed by the
// status query and the debug server.
type WorkerStatus struct {
	Object string `json:"object"`
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Queued int    `json:"queued_batches"`
	Uptime string `json:"uptime"`
}

// Status snapshots the worker.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	state := w.state
	started := w.started
	w.mu.Unlock()
	return WorkerStatus{
		Object: w.object.String(),
		Kind:   w.object.Kind.String(),
		State:  state,
		Queued: len(w.events),
		Uptime: time.Since(started).Round(time.Second).String(),
	}
}
