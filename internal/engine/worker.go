package engine

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"surface-mixer/internal/log"
)

// Worker is the single background execution context shared by engine events
// and timer callbacks. It starts on first use and runs until Stop.
type Worker struct {
	mu      sync.RWMutex
	pool    *workerpool.WorkerPool
	stopped bool
}

func NewWorker() *Worker {
	return &Worker{}
}

func (w *Worker) ensureStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pool == nil && !w.stopped {
		w.pool = workerpool.New(1)
		log.Debugf("background worker started")
	}
}

// Started reports whether the worker has been started.
func (w *Worker) Started() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pool != nil
}

// Submit queues f. It never blocks; tasks submitted after Stop are dropped.
func (w *Worker) Submit(f func()) {
	w.submit(f)
}

func (w *Worker) submit(f func()) bool {
	if !w.Started() {
		w.ensureStarted()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped || w.pool == nil {
		return false
	}
	w.pool.Submit(f)
	return true
}

// AfterFunc runs f on the worker once d has elapsed.
func (w *Worker) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, func() { w.Submit(f) })
	return t.Stop
}

// Wait blocks until every task queued before the call has run. It returns
// immediately on a stopped worker.
func (w *Worker) Wait() {
	done := make(chan struct{})
	if w.submit(func() { close(done) }) {
		<-done
	}
}

// Stop drains queued tasks and stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	pool := w.pool
	w.mu.Unlock()
	if pool != nil {
		pool.StopWait()
	}
}
