package core

import (
	"sync"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/oplang"
)

// analysis is the result of optimizing one compiled program.
type analysis struct {
	version   uint64
	functions []string
	variables []string
}

type optimizeJob struct {
	op      Operator
	version uint64
	prog    *oplang.Program
}

// worker runs queued optimization jobs once background tasks are enabled.
type worker struct {
	c *Client

	mu      sync.Mutex
	queue   []optimizeJob
	enabled bool
	running bool
	stopped bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newWorker(c *Client) *worker {
	return &worker{
		c:    c,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *worker) enable() {
	w.mu.Lock()
	if w.enabled || w.stopped {
		w.mu.Unlock()
		return
	}
	w.enabled = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	w.signal()
}

func (w *worker) submit(job optimizeJob) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, job)
	enabled := w.enabled
	w.mu.Unlock()
	if enabled {
		w.signal()
	}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0 || w.running
}

func (w *worker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.queue = nil
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
}

func (w *worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 || w.stopped {
				w.running = false
				w.mu.Unlock()
				break
			}
			job := w.queue[0]
			w.queue = w.queue[1:]
			w.running = true
			w.mu.Unlock()

			w.c.optimize(job)
		}
	}
}

// optimize analyzes a compiled program and stores the result on the
// operator, unless the operator changed since the job was queued. Calls to
// functions that have disappeared from the client since compilation become
// the client's pending error.
func (c *Client) optimize(job optimizeJob) {
	rec, err := job.op.recordOf("operator.optimize", kindOperator)
	if err != nil {
		return
	}
	st := rec.op
	if st.version.Load() != job.version {
		return
	}

	info := job.prog.Info()
	a := &analysis{
		version:   job.version,
		functions: info.CalledFunctions(),
		variables: info.RootNames(),
	}

	known := c.env.FunctionNames()
	for _, fn := range a.functions {
		if _, ok := known[fn]; !ok {
			c.setPendingError(dgerr.New(dgerr.NotFound, "operator.optimize", "operator '%s' calls '%s', which is no longer defined", rec.name, fn))
			return
		}
	}

	st.analysis.Store(a)
	c.logger.Debug("Operator optimized.", "operator", rec.name, "functions", a.functions)
	_ = c.QueueStatusMessage("optimization", rec.name)
}
