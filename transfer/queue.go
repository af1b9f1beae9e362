package transfer

import (
	"context"
	"sync"
)

type queueItem struct {
	id     string
	source Source
	closer func()
}

// workQueue is an unbounded FIFO drained by the engine's single send worker.
type workQueue struct {
	mu     sync.Mutex
	items  []queueItem
	notify chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{notify: make(chan struct{}, 1)}
}

func (q *workQueue) push(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx is done.
func (q *workQueue) pop(ctx context.Context) (queueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = queueItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queueItem{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue and returns what was pending.
func (q *workQueue) drain() []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
