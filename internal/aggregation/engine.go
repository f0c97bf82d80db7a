package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wotw-multiverse/syncserver/model"
)

// ErrEngineClosed is returned by Do after Close.
var ErrEngineClosed = errors.New("aggregation: engine closed")

// Engine runs jobs on one serialized worker per key. Jobs for the same key
// never overlap; jobs for different keys run concurrently. A worker retires
// once it has no pending jobs.
type Engine struct {
	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	jobs chan job
	quit chan struct{}
	// pending counts jobs submitted but not finished; guarded by Engine.mu.
	pending int
}

type job struct {
	fn   func() error
	done chan error
}

// NewEngine constructs an engine with no workers.
func NewEngine() *Engine {
	return &Engine{workers: make(map[int64]*worker)}
}

// KeyFor returns the worker key of a topology: its multiverse, or a
// per-world key when the world is orphaned.
func KeyFor(topo model.Topology) int64 {
	if topo.Orphaned || topo.MultiverseID == 0 {
		return -topo.WorldID
	}
	return topo.MultiverseID
}

// Do runs fn on the worker for key and returns its error. Cancelling ctx
// abandons a job that has not been picked up yet; once fn starts it runs to
// completion and Do waits for it.
func (e *Engine) Do(ctx context.Context, key int64, fn func() error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	w, ok := e.workers[key]
	if !ok {
		w = &worker{jobs: make(chan job), quit: make(chan struct{})}
		e.workers[key] = w
		e.wg.Add(1)
		go e.run(key, w)
	}
	w.pending++
	e.mu.Unlock()

	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- j:
		return <-j.done
	case <-ctx.Done():
		e.release(key, w)
		return ctx.Err()
	}
}

// Active returns the number of live workers.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Close rejects new jobs and waits for submitted ones to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run(key int64, w *worker) {
	defer e.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			j.done <- runJob(j.fn)
			if e.release(key, w) {
				return
			}
		case <-w.quit:
			return
		}
	}
}

// release marks one job of w as finished and retires w when it was the last.
// It reports whether w retired.
func (e *Engine) release(key int64, w *worker) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w.pending--
	if w.pending > 0 {
		return false
	}
	if e.workers[key] == w {
		delete(e.workers, key)
	}
	close(w.quit)
	return true
}

func runJob(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregation job panicked: %v", r)
		}
	}()
	return fn()
}
