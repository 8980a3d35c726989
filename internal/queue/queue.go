// Package queue serializes control operations onto a single goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed         = errors.New("queue closed")
	ErrNotInitialized = errors.New("queue not initialized")
)

// Op is a control operation. It should be quick; heavy work should be
// prepared in advance. The context is canceled on shutdown.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function into an Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// ErrorFunc receives errors returned by asynchronously enqueued ops.
type ErrorFunc func(error)

// Queue runs enqueued operations in order on one worker goroutine.
type Queue struct {
	ch     chan Op
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	onErr  ErrorFunc
}

// New creates a queue with a fixed buffer. onErr may be nil.
func New(buffer int, onErr ErrorFunc) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel, onErr: onErr}
}

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	q.start.Do(func() {
		q.wg.Add(1)
		go q.run()
	})
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			// drain outstanding ops best-effort with short deadline
			drainUntil := time.After(10 * time.Millisecond)
			for {
				select {
				case op := <-q.ch:
					q.apply(op)
				case <-drainUntil:
					return
				default:
					return
				}
			}
		case op := <-q.ch:
			q.apply(op)
		}
	}
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	if err := op.Apply(q.ctx); err != nil && q.onErr != nil {
		q.onErr(err)
	}
}

// Enqueue adds an operation to the queue. It blocks while the buffer is full.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// RunSync enqueues fn and waits for it to complete, returning its error.
// Without a queue fn runs on the caller's goroutine.
func (q *Queue) RunSync(fn Func) error {
	if q == nil || q.ch == nil {
		return fn(context.Background())
	}
	done := make(chan error, 1)
	if err := q.Enqueue(Func(func(ctx context.Context) error {
		err := fn(ctx)
		done <- err
		return nil
	})); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		// the op may still have run during the drain
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
