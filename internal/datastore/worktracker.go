package datastore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShuttingDown is returned by Track once the tracker is closing.
var ErrShuttingDown = errors.New("datastore core is shutting down")

// WorkTracker bounds every runner and crawler invocation by a maximum
// runtime and coordinates shutdown with work still in flight.
//
// On Close the tracker either waits for in-flight work to finish or
// cancels its contexts, depending on waitOnShutdown. Cancelled work
// returns an error, so its transaction never commits.
type WorkTracker struct {
	maxRuntime     time.Duration
	waitOnShutdown bool

	mu      sync.Mutex
	closing bool
	nextID  uint64
	cancels map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkTracker creates a tracker. A zero maxRuntime leaves work
// unbounded except by the caller's context.
func NewWorkTracker(maxRuntime time.Duration, waitOnShutdown bool) *WorkTracker {
	return &WorkTracker{
		maxRuntime:     maxRuntime,
		waitOnShutdown: waitOnShutdown,
		cancels:        make(map[uint64]context.CancelFunc),
	}
}

// Track runs fn with a context bounded by the tracker's max runtime.
func (w *WorkTracker) Track(ctx context.Context, fn func(ctx context.Context) error) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrShuttingDown
	}
	var cancel context.CancelFunc
	if w.maxRuntime > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.maxRuntime)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	id := w.nextID
	w.nextID++
	w.cancels[id] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.cancels, id)
		w.mu.Unlock()
		cancel()
		w.wg.Done()
	}()

	err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && w.maxRuntime > 0 {
		return &TimeoutError{MaxRuntime: w.maxRuntime, Err: err}
	}
	return err
}

// InFlight returns the number of tracked calls still running.
func (w *WorkTracker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels)
}

// Close stops accepting work and returns once in-flight work is done, or
// when ctx ends first.
func (w *WorkTracker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closing = true
	if !w.waitOnShutdown {
		for _, cancel := range w.cancels {
			cancel()
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimeoutError reports work that ran past the tracker's max runtime.
type TimeoutError struct {
	MaxRuntime time.Duration
	Err        error
}

func (e *TimeoutError) Error() string {
	return "max runtime of " + e.MaxRuntime.String() + " exceeded"
}

func (e *TimeoutError) Unwrap() error { return e.Err }
