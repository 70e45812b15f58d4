// Package queue is the durable, keyed, at-least-once buffer between
// ingestion and the flush worker.
//
// Every backend deduplicates on Item.Key (the envelope's log id): enqueueing
// a key that is still waiting does not create a second deliverable item.
// Items stay in the queue until Remove is called for them; ListWaiting never
// consumes anything.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Item is one queued envelope.
type Item struct {
	Key      string
	Envelope *models.Envelope

	// seq is the backend position (JetStream stream sequence).
	seq uint64
}

// NewItem keys env by its log id.
func NewItem(env *models.Envelope) Item {
	return Item{Key: env.LogID, Envelope: env}
}

// Queue is implemented by every backend.
type Queue interface {
	// Enqueue stores env under key unless key is already waiting.
	Enqueue(ctx context.Context, key string, env *models.Envelope) error

	// EnqueueBatch stores all items in one round trip. Either every item
	// is stored or an error is returned.
	EnqueueBatch(ctx context.Context, items []Item) error

	// ListWaiting returns a snapshot of all waiting items ordered by key.
	ListWaiting(ctx context.Context) ([]Item, error)

	// Remove deletes items. Keys that are already gone are ignored.
	Remove(ctx context.Context, items []Item) error

	// Len returns the number of waiting items.
	Len(ctx context.Context) (int64, error)

	Close() error
}

func encode(env *models.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.LogID, err)
	}
	return data, nil
}

func decode(data []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func sortByKey(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
}
