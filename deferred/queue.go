// Package deferred carries work from I/O goroutines to the tick goroutine.
// Any goroutine may Delay a task; only the tick goroutine calls RunAll.
package deferred

import "sync"

// Task is a unit of deferred work.
type Task func()

// Queue is a multi-producer, single-consumer FIFO of tasks. The zero value
// is ready to use.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
	spare []Task
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Delay enqueues task. It is safe to call from any goroutine, including
// from a task that is running.
//
// Parameters:
//   - task: The work to run on the next drain; nil is ignored
func (q *Queue) Delay(task Task) {
	if task == nil {
		return
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

// RunAll runs every task queued before the call, in FIFO order, on the
// calling goroutine. Tasks queued while draining wait for the next call.
//
// Returns:
//   - The number of tasks run
func (q *Queue) RunAll() int {
	q.mu.Lock()
	batch := q.tasks
	q.tasks = q.spare[:0]
	q.mu.Unlock()

	for i, task := range batch {
		task()
		batch[i] = nil
	}

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()

	return len(batch)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
