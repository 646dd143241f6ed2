package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Dequeue once the shutdown marker is
// reached.
var ErrQueueClosed = errors.New("shard queue closed")

// ShardQueue is an unbounded FIFO of shards with a single consumer.
// Enqueue never blocks.
type ShardQueue struct {
	mu     sync.Mutex
	items  []*Shard
	closed bool
	notify chan struct{}
}

func NewShardQueue() *ShardQueue {
	return &ShardQueue{notify: make(chan struct{}, 1)}
}

// Enqueue appends s. It fails after Shutdown.
func (q *ShardQueue) Enqueue(s *Shard) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, s)
	q.signal()
	return nil
}

// Shutdown appends the end marker. Shards enqueued earlier are still
// delivered.
func (q *ShardQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, nil)
	q.signal()
}

// signal requires q.mu.
func (q *ShardQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a shard is available, the end marker is reached,
// or ctx is done.
func (q *ShardQueue) Dequeue(ctx context.Context) (*Shard, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			s := q.items[0]
			if s == nil {
				q.mu.Unlock()
				return nil, ErrQueueClosed
			}
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return s, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len counts queued shards, excluding the end marker.
func (q *ShardQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.closed && n > 0 {
		n--
	}
	return n
}

// drain removes and returns every queued shard.
func (q *ShardQueue) drain() []*Shard {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Shard
	for _, s := range q.items {
		if s != nil {
			out = append(out, s)
		}
	}
	q.items = q.items[:0]
	if q.closed {
		q.items = append(q.items, nil)
	}
	return out
}
