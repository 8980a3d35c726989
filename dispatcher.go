package audiohost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/audiohost/internal/queue"
)

// DefaultOperationBudget is the target duration of a single control operation.
const DefaultOperationBudget = 300 * time.Millisecond

// Dispatcher serializes control operations (graph edits, refreshes, plugin
// changes) on one goroutine so they never race each other. The audio
// thread is never blocked by it.
type Dispatcher struct {
	handler ErrorHandler
	q       *queue.Queue

	mu        sync.RWMutex
	isRunning bool
	budget    time.Duration

	// Performance tracking
	lastOperationDuration time.Duration
	maxObservedDuration   time.Duration
	operationCount        int64
}

// NewDispatcher creates a stopped dispatcher. Errors of queued operations
// and slow-operation reports go to handler.
func NewDispatcher(handler ErrorHandler) *Dispatcher {
	if handler == nil {
		handler = &DefaultErrorHandler{}
	}
	d := &Dispatcher{handler: handler, budget: DefaultOperationBudget}
	d.q = queue.New(100, handler.HandleError)
	return d
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}
	d.isRunning = true
	d.q.Start()
	return nil
}

// Stop halts the dispatcher. Queued operations get a short grace period.
// A stopped dispatcher cannot be restarted.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	d.mu.Unlock()

	d.q.Close()
	return nil
}

// IsRunning returns whether the dispatcher is active
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// SetBudget changes the duration above which operations are reported.
func (d *Dispatcher) SetBudget(budget time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = budget
}

// GetPerformanceStats returns the last and the longest operation durations
// and the number of operations run.
func (d *Dispatcher) GetPerformanceStats() (last, max time.Duration, count int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxObservedDuration, d.operationCount
}

func (d *Dispatcher) track(name string, start time.Time) {
	duration := time.Since(start)

	d.mu.Lock()
	d.lastOperationDuration = duration
	d.operationCount++
	if duration > d.maxObservedDuration {
		d.maxObservedDuration = duration
	}
	budget := d.budget
	d.mu.Unlock()

	if budget > 0 && duration > budget {
		d.handler.HandleError(fmt.Errorf("%w: %s took %v, target is %v", ErrSlowOperation, name, duration, budget))
	}
}

// RunSync runs fn on the dispatch goroutine and waits for its result. When
// the dispatcher is not running fn runs on the caller's goroutine.
func (d *Dispatcher) RunSync(name string, fn func() error) error {
	if !d.IsRunning() {
		start := time.Now()
		defer d.track(name, start)
		return fn()
	}
	return d.q.RunSync(func(context.Context) error {
		start := time.Now()
		defer d.track(name, start)
		return fn()
	})
}

// Enqueue schedules fn without waiting. Its error goes to the handler.
func (d *Dispatcher) Enqueue(name string, fn func() error) error {
	if !d.IsRunning() {
		return fmt.Errorf("dispatcher is not running")
	}
	return d.q.Enqueue(queue.Func(func(context.Context) error {
		start := time.Now()
		defer d.track(name, start)
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}))
}
