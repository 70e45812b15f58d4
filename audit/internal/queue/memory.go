package queue

import (
	"context"
	"sync"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// MemoryQueue is a process-local Queue for tests and single-node
// development. Nothing survives a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	items  map[string][]byte
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string][]byte)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, key string, env *models.Envelope) error {
	return q.EnqueueBatch(ctx, []Item{{Key: key, Envelope: env}})
}

func (q *MemoryQueue) EnqueueBatch(_ context.Context, items []Item) error {
	encoded := make([][]byte, len(items))
	for i, it := range items {
		data, err := encode(it.Envelope)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for i, it := range items {
		if _, ok := q.items[it.Key]; !ok {
			q.items[it.Key] = encoded[i]
		}
	}
	return nil
}

// ListWaiting returns decoded copies, so callers never share state with
// the queue.
func (q *MemoryQueue) ListWaiting(context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	items := make([]Item, 0, len(q.items))
	for key, data := range q.items {
		env, err := decode(data)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Envelope: env})
	}
	sortByKey(items)
	return items, nil
}

func (q *MemoryQueue) Remove(_ context.Context, items []Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, it := range items {
		delete(q.items, it.Key)
	}
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
