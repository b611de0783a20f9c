package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rzbill/flomq/pkg/log"
)

const (
	stateIdle int32 = iota
	stateRunning
	statePending
)

// Pool bounds how many worker tasks may run at the same time.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger log.Logger

	// mu orders run admission with Close so no run starts after Close
	// returned.
	mu      sync.Mutex
	closed  bool
	stopped atomic.Bool
}

// NewPool creates a pool allowing size concurrent runs. size <= 0 means 1.
func NewPool(size int, logger log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

// Close stops accepting new runs and waits for in-flight runs to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.stopped.Store(true)
}

// Stopped reports whether Close has returned: no run is in flight and none
// will start.
func (p *Pool) Stopped() bool { return p.stopped.Load() }

// admit registers a run unless the pool is closed.
func (p *Pool) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// Worker is a wakeable task bound to a Pool.
type Worker struct {
	name  string
	pool  *Pool
	task  func()
	state atomic.Int32
}

// New creates a worker named name that runs task on pool. The task must
// drain all currently available work before returning.
func (p *Pool) New(name string, task func()) *Worker {
	return &Worker{name: name, pool: p, task: task}
}

// Wake requests a run. If the task is idle a run is scheduled; if it is
// already running, one further run is recorded. Repeated wakes during a run
// collapse into that single further run.
func (w *Worker) Wake() {
	for {
		switch w.state.Load() {
		case stateIdle:
			if w.state.CompareAndSwap(stateIdle, stateRunning) {
				w.start()
				return
			}
		case stateRunning:
			if w.state.CompareAndSwap(stateRunning, statePending) {
				return
			}
		case statePending:
			return
		}
	}
}

// Idle reports whether the worker has no scheduled or running pass.
func (w *Worker) Idle() bool { return w.state.Load() == stateIdle }

func (w *Worker) start() {
	if !w.pool.admit() {
		w.state.Store(stateIdle)
		return
	}
	go w.loop()
}

func (w *Worker) loop() {
	defer w.pool.wg.Done()
	if err := w.pool.sem.Acquire(context.Background(), 1); err != nil {
		w.state.Store(stateIdle)
		return
	}
	defer w.pool.sem.Release(1)

	for {
		w.runOnce()
		// A wake during the run moved us to pending: go around again.
		if w.state.CompareAndSwap(stateRunning, stateIdle) {
			return
		}
		w.state.Store(stateRunning)
	}
}

func (w *Worker) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("worker task panicked",
				log.Str("worker", w.name), log.Str("panic", fmt.Sprint(r)))
		}
	}()
	w.task()
}
