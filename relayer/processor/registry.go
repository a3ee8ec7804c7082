package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry tracks the live workers, at most one per object identity. The
// mutex guards only the map; no chain I/O or waiting happens under it.
type Registry struct {
	log     *zap.Logger
	metrics *PrometheusMetrics

	mu      sync.Mutex
	workers map[WorkerObject]*Worker
}

func NewRegistry(log *zap.Logger, metrics *PrometheusMetrics) *Registry {
	return &Registry{
		log:     log,
		metrics: metrics,
		workers: make(map[WorkerObject]*Worker),
	}
}

// Acquire returns the live worker for object, spawning one with newTask when
// none exists. The bool reports whether a spawn happened. The new worker's
// goroutine is running before Acquire returns, and its context derives from
// ctx.
func (r *Registry) Acquire(ctx context.Context, object WorkerObject, newTask func() workerTask) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[object]; ok {
		return w, false
	}

	wctx, cancel := context.WithCancel(ctx)
	w := newWorker(r.log, object, newTask())
	w.cancel = cancel
	r.workers[object] = w
	go w.run(wctx, r.evict)

	r.log.Debug("Spawned worker", zap.Object("object", object))
	r.gaugeLocked(object.Kind)
	return w, true
}

// Get returns the live worker for object, if any.
func (r *Registry) Get(object WorkerObject) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[object]
	return w, ok
}

// Len reports the number of live workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// evict removes a worker that exited on its own. The entry is only removed
// if it still maps to this exact worker, so a replacement spawned after an
// external retire is never clobbered.
func (r *Registry) evict(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[w.object]; ok && cur == w {
		delete(r.workers, w.object)
		r.gaugeLocked(w.object.Kind)
	}
}

// Retire cancels the worker for object and waits, bounded, for it to exit.
// It reports whether a worker was live. Retiring an absent object is a
// no-op.
func (r *Registry) Retire(object WorkerObject) bool {
	r.mu.Lock()
	w, ok := r.workers[object]
	r.mu.Unlock()
	if !ok {
		return false
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(retireTimeout):
		w.log.Warn("Worker did not exit within retire timeout")
		r.mu.Lock()
		if cur, ok := r.workers[object]; ok && cur == w {
			delete(r.workers, object)
			r.gaugeLocked(object.Kind)
		}
		r.mu.Unlock()
	}
	return true
}

// RetireWhere retires every live worker whose object matches pred and
// returns how many were retired. Used to tear down all workers of a failed
// path without touching the rest.
func (r *Registry) RetireWhere(pred func(WorkerObject) bool) int {
	r.mu.Lock()
	matched := make([]WorkerObject, 0, len(r.workers))
	for obj := range r.workers {
		if pred(obj) {
			matched = append(matched, obj)
		}
	}
	r.mu.Unlock()

	for _, obj := range matched {
		r.Retire(obj)
	}
	return len(matched)
}

// Shutdown cancels every worker and waits for each, aggregating exit
// errors.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	ws := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	for _, w := range ws {
		w.cancel()
	}

	var err error
	for _, w := range ws {
		select {
		case <-w.done:
			err = multierr.Append(err, w.Err())
		case <-time.After(retireTimeout):
			err = multierr.Append(err, fmt.Errorf("worker %s did not exit within shutdown timeout", w.object))
		}
	}
	return err
}

// Workers snapshots the live workers.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	return ws
}

// Status snapshots every live worker, sorted for stable output.
func (r *Registry) Status() []WorkerStatus {
	ws := r.Workers()
	statuses := make([]WorkerStatus, 0, len(ws))
	for _, w := range ws {
		statuses = append(statuses, w.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Object < statuses[j].Object })
	return statuses
}

func (r *Registry) gaugeLocked(kind ObjectKind) {
	if r.metrics == nil {
		return
	}
	n := 0
	for obj := range r.workers {
		if obj.Kind == kind {
			n++
		}
	}
	r.metrics.SetWorkersActive(kind.String(), float64(n))
}
