package docremedy

import (
	"context"
	"fmt"
	"sync"
)

// CaptureResult is what a queued browser-capture run produces.
type CaptureResult struct {
	FilePath string
	MimeType string
	Size     int64
}

// TaskFunc is the full browser-capture flow for one document. It runs with
// the queue's exclusivity guarantee: no other TaskFunc executes while it
// does.
type TaskFunc func(ctx context.Context) (*CaptureResult, error)

// Future resolves exactly once with the task's terminal result.
type Future struct {
	done chan struct{}
	res  *CaptureResult
	err  error
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*CaptureResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(res *CaptureResult, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// processingTask is one queue entry, consumed exactly once by the drain
// loop.
type processingTask struct {
	fileID string
	run    TaskFunc
	future *Future
}

// ProcessingQueue serializes browser-capture acquisitions system-wide. The
// interactive automation profile is a shared, non-reentrant resource, so at
// most one task executes at any instant. Order is FIFO; a queued task cannot
// be cancelled, it runs to completion or terminal failure before the next is
// considered.
type ProcessingQueue struct {
	mu      sync.Mutex
	pending []*processingTask
	busy    bool
}

// NewProcessingQueue creates an empty queue.
func NewProcessingQueue() *ProcessingQueue {
	return &ProcessingQueue{}
}

// Submit appends a task and triggers the drain step if the queue is idle.
// The returned Future resolves when the task reaches a terminal state.
func (q *ProcessingQueue) Submit(fileID string, run TaskFunc) *Future {
	t := &processingTask{
		fileID: fileID,
		run:    run,
		future: &Future{done: make(chan struct{})},
	}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	go q.drain()
	return t.future
}

// Len returns the number of tasks waiting (not counting a running one).
func (q *ProcessingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain pops and runs the head task if the queue is idle, then immediately
// attempts the next item, so the queue is self-sustaining without an
// external poller.
func (q *ProcessingQueue) drain() {
	for {
		q.mu.Lock()
		if q.busy || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		q.busy = true
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		res, err := q.runTask(t)
		t.future.resolve(res, err)

		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}
}

// runTask executes one task, converting panics into errors so a misbehaving
// capture flow cannot wedge the queue with busy stuck true.
func (q *ProcessingQueue) runTask(t *processingTask) (res *CaptureResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &panicError{fileID: t.fileID, value: r}
		}
	}()
	return t.run(context.Background())
}

// panicError wraps a recovered panic from a capture task.
type panicError struct {
	fileID string
	value  any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("capture task for %s panicked: %v", e.fileID, e.value)
}
