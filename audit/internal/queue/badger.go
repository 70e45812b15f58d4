package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

const (
	badgerPrefix           = "queue:"
	badgerDeadLetterPrefix = "deadletter:"
)

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	Path       string
	SyncWrites bool
	InMemory   bool
}

// BadgerQueue is a single-node durable queue on an embedded Badger store.
// Keys are "queue:<log id>", so iteration order is log id order.
type BadgerQueue struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) the store at opts.Path.
func OpenBadger(opts BadgerOptions, logger *slog.Logger) (*BadgerQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = opts.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger.Info("badger queue opened", "path", opts.Path, "sync_writes", opts.SyncWrites)
	return &BadgerQueue{db: db, logger: logger}, nil
}

// DB exposes the store so other components (the scheduler trigger) can
// share it.
func (q *BadgerQueue) DB() *badger.DB {
	return q.db
}

func (q *BadgerQueue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func itemKey(key string) []byte {
	return []byte(badgerPrefix + key)
}

// putIfAbsent is the read-check-write that gives keyed deduplication.
func putIfAbsent(txn *badger.Txn, key string, data []byte) error {
	_, err := txn.Get(itemKey(key))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return txn.Set(itemKey(key), data)
	default:
		return err
	}
}

func (q *BadgerQueue) Enqueue(ctx context.Context, key string, env *models.Envelope) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return putIfAbsent(txn, key, data)
	}); err != nil {
		return fmt.Errorf("badger enqueue %s: %w", key, err)
	}
	return nil
}

// EnqueueBatch writes all items in one transaction. Batches too large for
// a single Badger transaction fail as a whole.
func (q *BadgerQueue) EnqueueBatch(ctx context.Context, items []Item) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	encoded := make([][]byte, len(items))
	for i, it := range items {
		data, err := encode(it.Envelope)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		for i, it := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := putIfAbsent(txn, it.Key, encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger enqueue batch of %d: %w", len(items), err)
	}
	return nil
}

func (q *BadgerQueue) ListWaiting(ctx context.Context) ([]Item, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var items []Item
	var bad []string
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			key := string(item.Key()[len(prefix):])

			var env *models.Envelope
			err := item.Value(func(val []byte) error {
				var derr error
				env, derr = decode(val)
				return derr
			})
			if err != nil {
				q.logger.Warn("dead-lettering undecodable queue item", "key", key, "error", err.Error())
				bad = append(bad, key)
				continue
			}
			items = append(items, Item{Key: key, Envelope: env})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list waiting: %w", err)
	}
	q.deadLetterItems(bad)
	return items, nil
}

// DeadLetterKey is the store key an undecodable item is moved to.
func DeadLetterKey(key string) []byte {
	return []byte(badgerDeadLetterPrefix + key)
}

// deadLetterItems moves bad values out of the queue prefix so they stop
// counting towards Len. A failed move is retried on the next listing.
func (q *BadgerQueue) deadLetterItems(keys []string) {
	if len(keys) == 0 {
		return
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(itemKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(DeadLetterKey(key), val); err != nil {
				return err
			}
			if err := txn.Delete(itemKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Error("failed to dead-letter queue items", "count", len(keys), "error", err.Error())
		return
	}
	metrics.QueueUndecodable.WithLabelValues("badger").Add(float64(len(keys)))
}

func (q *BadgerQueue) Remove(ctx context.Context, items []Item) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	wb := q.db.NewWriteBatch()
	defer wb.Cancel()
	for _, it := range items {
		if err := wb.Delete(itemKey(it.Key)); err != nil {
			return fmt.Errorf("badger remove %s: %w", it.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger remove: %w", err)
	}
	return nil
}

func (q *BadgerQueue) Len(ctx context.Context) (int64, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger queue length: %w", err)
	}
	return n, nil
}

// Close closes the underlying store.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
