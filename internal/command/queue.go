package command

import "sync"

// offlineQueue is a bounded FIFO of commands waiting for connectivity.
// Overflow drops the oldest entry so the newest intent is preserved.
type offlineQueue struct {
	mu       sync.Mutex
	items    []*Pending
	capacity int
}

func newOfflineQueue(capacity int) *offlineQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &offlineQueue{capacity: capacity}
}

// push appends a command, returning the dropped oldest entry on overflow.
func (q *offlineQueue) push(p *Pending) (dropped *Pending) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, p)
	return dropped
}

// popFront removes and returns the oldest entry, or nil when empty.
func (q *offlineQueue) popFront() *Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p
}

// pushFront returns an entry to the head, preserving replay order when
// connectivity drops mid-replay.
func (q *offlineQueue) pushFront(p *Pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Pending{p}, q.items...)
}

// depth returns the current queue length.
func (q *offlineQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
