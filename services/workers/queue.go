package workers

import (
	"container/heap"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/customeros/imapfleet/interfaces"
)

// ErrQueueFull is returned when the task queue is at capacity; the
// scheduler treats it as backpressure and leaves the entry due.
var ErrQueueFull = errors.New("task queue is full")

type queueItem struct {
	task  interfaces.Task
	rank  int
	seq   int64
	index int
}

// taskHeap orders by priority rank, then arrival sequence. Front-requeued
// tasks carry negative sequences so they sort ahead of their tier.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is the bounded task queue feeding the workers. Stable FIFO
// within a priority tier; overflow rejects with ErrQueueFull.
type priorityQueue struct {
	mu       sync.Mutex
	items    taskHeap
	capacity int
	tailSeq  int64
	headSeq  int64
	closed   bool
	notify   chan struct{}
	done     chan struct{}
}

func newPriorityQueue(capacity int) *priorityQueue {
	return &priorityQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *priorityQueue) enqueue(t interfaces.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("task queue is closed")
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.tailSeq++
	heap.Push(&q.items, &queueItem{task: t, rank: t.Priority.Rank(), seq: q.tailSeq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// enqueueFront places a task ahead of everything else in its tier; used
// when a stuck worker is reset. Capacity is not enforced here, the task
// already held a queue slot.
func (q *priorityQueue) enqueueFront(t interfaces.Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.headSeq--
	heap.Push(&q.items, &queueItem{task: t, rank: t.Priority.Rank(), seq: q.headSeq})
	q.mu.Unlock()

	q.signal()
}

// dequeue blocks until a task is available, the queue closes, or ctx ends.
func (q *priorityQueue) dequeue(ctx context.Context) (interfaces.Task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return item.task, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return interfaces.Task{}, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return interfaces.Task{}, false
		}
	}
}

func (q *priorityQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *priorityQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *priorityQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
