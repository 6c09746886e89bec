// Package queue runs operations one at a time, in submission order, on a
// single worker goroutine.
//
// Every remote read or write and every cache mutation of the sync engine
// goes through one Queue. That gives the engine a single-threaded view of
// its state even though requests arrive from the caller, the change
// watcher and connectivity callbacks at the same time.
//
// Submit only enqueues. The backlog is an unbounded slice so a slow
// network call never blocks a caller; Do and Wait are for callers that
// need the result.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("operation queue is closed")

type item struct {
	id       string
	name     string
	op       func()
	enqueued time.Time
}

// Queue is a FIFO executed by exactly one worker goroutine.
type Queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	items   []item
	started bool
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

// New creates a queue. The worker starts on first Submit.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		logger: logger.Named("queue"),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Submit appends op to the queue and returns immediately. The name is
// used for logs and metrics only.
func (q *Queue) Submit(name string, op func()) error {
	if op == nil {
		return fmt.Errorf("operation %q is nil", name)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item{
		id:       uuid.NewString(),
		name:     name,
		op:       op,
		enqueued: time.Now(),
	})
	depth := len(q.items)
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.wake()
	return nil
}

// Do submits op and waits until it has run or ctx is done. If ctx ends
// first, op still runs later; only the wait is abandoned.
//
// Do must not be called from inside a queued operation: the worker would
// wait on itself.
func (q *Queue) Do(ctx context.Context, name string, op func()) error {
	finished := make(chan struct{})
	err := q.Submit(name, func() {
		defer close(finished)
		op()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every operation submitted before the call has run.
func (q *Queue) Wait(ctx context.Context) error {
	return q.Do(ctx, "barrier", func() {})
}

// Len returns the number of operations not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting work, lets the worker drain what is queued and
// waits for it to exit or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		close(q.done)
		return nil
	}

	q.wake()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (q *Queue) run() {
	defer close(q.done)

	for {
		next, ok, closed := q.pop()
		if ok {
			q.execute(next)
			continue
		}
		if closed {
			return
		}
		<-q.signal
	}
}

func (q *Queue) pop() (item, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false, q.closed
	}
	next := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	metrics.SetQueueDepth(len(q.items))
	return next, true, false
}

// execute runs one operation. A panic is logged and swallowed so the
// worker survives it.
func (q *Queue) execute(it item) {
	start := time.Now()
	log := q.logger.With(zap.String("op", it.name), zap.String("op_id", it.id))
	log.Debug("operation started", zap.Duration("waited", start.Sub(it.enqueued)))

	defer func() {
		elapsed := time.Since(start)
		metrics.RecordQueueOp(it.name, elapsed)
		if r := recover(); r != nil {
			metrics.RecordQueuePanic()
			log.Error("operation panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			return
		}
		log.Debug("operation finished", zap.Duration("elapsed", elapsed))
	}()

	it.op()
}
