// Package taskqueue implements the bounded FIFO hand-off between dispatcher
// shards and the worker pool.
package taskqueue

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrQueueShutdown is returned by blocking operations after Shutdown.
var ErrQueueShutdown = errors.New("task queue has been shut down")

// Task is one unit of work. Payload is a detached copy of the request frame,
// the dispatcher's raw buffers are never handed to workers. Done is the
// completion callback handle routing the result back to the owning shard.
type Task struct {
	ConnID  int
	Shard   int
	Payload []byte
	Ctx     interface{}
	Done    func(Result)
}

// Result carries a handler outcome back across the worker boundary. Exactly
// one of Out and Err is meaningful, the tag is Err != nil.
type Result struct {
	ConnID int
	Out    []byte
	Err    error
}

// Queue is a bounded, FIFO, thread-safe task queue. Producers never block:
// TryEnqueue fails fast when the queue is full. Consumers block in Dequeue
// until a task arrives or Shutdown is called.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    *queue.Queue
	capacity int
	closed   bool
}

// New creates a queue with the given fixed capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		items:    queue.New(),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// TryEnqueue appends t in FIFO order. It returns false without blocking when
// the queue is full or shut down.
func (q *Queue) TryEnqueue(t Task) bool {
	q.mu.Lock()
	if q.closed || q.items.Length() >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items.Add(t)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Dequeue blocks until a task is available or the queue is shut down.
// ok为false表示队列已关闭，worker应该退出
//
// shutdown信号和notEmpty共用一个cond，不存在“检查完标志后错过唤醒”的窗口
func (q *Queue) Dequeue() (t Task, ok bool) {
	q.mu.Lock()
	for q.items.Length() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return
	}
	t, ok = q.items.Remove().(Task), true
	q.mu.Unlock()
	return
}

// Shutdown wakes every blocked Dequeue caller. Pending tasks are dropped;
// tasks already claimed by workers run to completion.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := q.items.Length()
	q.mu.Unlock()
	return n
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return q.capacity
}
