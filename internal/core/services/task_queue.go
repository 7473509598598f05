package services

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// taskQueue runs tasks one at a time in enqueue order on its own goroutine.
// Enqueue never blocks, so the call loop can hand off network and storage
// work without stalling.
type taskQueue struct {
	name   string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	tasks  []func(ctx context.Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newTaskQueue(name string, logger *zap.SugaredLogger) *taskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &taskQueue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.run()
	return q
}

// Enqueue reports false once the queue is closed.
func (q *taskQueue) Enqueue(task func(ctx context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warnw("task dropped, queue closed", "queue", q.name)
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(task)
	}
}

func (q *taskQueue) runTask(task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("task panicked", "queue", q.name, "panic", r)
		}
	}()
	task(q.ctx)
}

// Flush waits until every task enqueued before the call has run.
func (q *taskQueue) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !q.Enqueue(func(context.Context) { close(marker) }) {
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and drains the backlog. When ctx expires first
// the running task's context is cancelled and the rest are abandoned.
func (q *taskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		abandoned := len(q.tasks)
		q.tasks = nil
		q.mu.Unlock()
		q.cancel()
		q.logger.Warnw("queue drain timed out", "queue", q.name, "abandoned", abandoned)
		return ctx.Err()
	}
}
