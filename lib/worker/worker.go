// Package worker provides the thread capability of the router core: a named
// goroutine that signals when it is ready and can be stopped and joined.
//
// The dispatcher, the send worker and the receive worker all run on a
// Worker. Start blocks until the run function calls ready (or returns, or the
// start timeout expires), Stop cancels the context and waits for the
// goroutine, so no worker outlives its owner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStartTimeout   = errors.New("worker did not become ready in time")
	ErrExitedEarly    = errors.New("worker exited before it was ready")
)

// RunFunc is the body of a worker. It must call ready once it is able to do
// work and return when ctx is cancelled.
type RunFunc func(ctx context.Context, ready func())

// IWorker is the capability the router core depends on
type IWorker interface {
	// Start launches the goroutine and waits until it is ready. A timeout
	// of zero waits forever.
	Start(timeout time.Duration) error
	// Stop cancels the worker and waits until it exited
	Stop()
	// Join waits up to timeout for the worker to exit on its own. A timeout
	// of zero waits forever. It reports whether the worker exited.
	Join(timeout time.Duration) bool
	// IsRunning reports whether the goroutine is alive
	IsRunning() bool
	// Name returns the name given at construction
	Name() string
}

// Worker implements IWorker
type Worker struct {
	name string
	run  RunFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped worker
func New(name string, run RunFunc) *Worker {
	return &Worker{name: name, run: run}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Start(timeout time.Duration) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", w.name, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	readyCh := make(chan struct{})
	var readyOnce sync.Once
	ready := func() { readyOnce.Do(func() { close(readyCh) }) }

	w.cancel = cancel
	w.done = done
	w.running = true
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}()
		w.run(ctx, ready)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = time.After(timeout)
	}

	select {
	case <-readyCh:
		return nil
	case <-done:
		return fmt.Errorf("%s: %w", w.name, ErrExitedEarly)
	case <-timeoutCh:
		cancel()
		<-done
		return fmt.Errorf("%s: %w", w.name, ErrStartTimeout)
	}
}

func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) Join(timeout time.Duration) bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
