package server

import (
	"fmt"

	"github.com/chazu/mu/vm"
)

// workRequest is a unit of work to be executed on the runtime goroutine.
type workRequest struct {
	fn   func(*vm.Runtime) any
	done chan workResult
}

type workResult struct {
	value any
	err   error
}

// RuntimeWorker serializes all runtime access through a single goroutine.
// Tables are not safe for concurrent use, so every handler that reads
// globals or runs code goes through the worker.
type RuntimeWorker struct {
	rt       *vm.Runtime
	requests chan workRequest
	quit     chan struct{}
	stopped  chan struct{}
}

// NewRuntimeWorker creates a worker and starts its goroutine.
func NewRuntimeWorker(rt *vm.Runtime) *RuntimeWorker {
	w := &RuntimeWorker{
		rt:       rt,
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *RuntimeWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the runtime, recovering from panics.
func (w *RuntimeWorker) execute(fn func(*vm.Runtime) any) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("runtime worker: %v", r)
		}
	}()
	result.value = fn(w.rt)
	return result
}

// Do runs fn on the runtime goroutine and blocks until it completes.
// A panic in fn is returned as an error. Do on a stopped worker fails.
func (w *RuntimeWorker) Do(fn func(*vm.Runtime) any) (any, error) {
	req := workRequest{fn: fn, done: make(chan workResult, 1)}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, fmt.Errorf("runtime worker: stopped")
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.stopped:
		select {
		case res := <-req.done:
			return res.value, res.err
		default:
			return nil, fmt.Errorf("runtime worker: stopped")
		}
	}
}

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *RuntimeWorker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}
