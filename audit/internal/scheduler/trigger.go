package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
)

// Trigger is the persisted state of the flush schedule.
type Trigger struct {
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run"`
	LastRun  time.Time     `json:"last_run"`
	Owner    string        `json:"owner"`
}

// TriggerStore persists the trigger across restarts. Load returns nil,
// nil when nothing was stored yet.
type TriggerStore interface {
	Load(ctx context.Context) (*Trigger, error)
	Save(ctx context.Context, t Trigger) error
}

// MemoryTriggerStore keeps the trigger in process.
type MemoryTriggerStore struct {
	mu      sync.Mutex
	trigger *Trigger
}

func NewMemoryTriggerStore() *MemoryTriggerStore {
	return &MemoryTriggerStore{}
}

func (m *MemoryTriggerStore) Load(context.Context) (*Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trigger == nil {
		return nil, nil
	}
	t := *m.trigger
	return &t, nil
}

func (m *MemoryTriggerStore) Save(_ context.Context, t Trigger) error {
	m.mu.Lock()
	m.trigger = &t
	m.mu.Unlock()
	return nil
}

// RedisTriggerStore keeps the trigger in the hash <prefix>:schedule:flush
// with fields interval (ms), next_run, last_run and owner.
type RedisTriggerStore struct {
	client *redis.Client
	key    string
}

func NewRedisTriggerStore(client *redis.Client, prefix string) *RedisTriggerStore {
	return &RedisTriggerStore{client: client, key: prefix + ":schedule:flush"}
}

// Key returns the hash key.
func (r *RedisTriggerStore) Key() string {
	return r.key
}

func (r *RedisTriggerStore) Load(ctx context.Context) (*Trigger, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ms, err := strconv.ParseInt(fields["interval"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger interval %q: %w", fields["interval"], err)
	}
	t := &Trigger{Interval: time.Duration(ms) * time.Millisecond, Owner: fields["owner"]}
	if t.NextRun, err = parseTime(fields["next_run"]); err != nil {
		return nil, err
	}
	if t.LastRun, err = parseTime(fields["last_run"]); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *RedisTriggerStore) Save(ctx context.Context, t Trigger) error {
	err := r.client.HSet(ctx, r.key,
		"interval", t.Interval.Milliseconds(),
		"next_run", formatTime(t.NextRun),
		"last_run", formatTime(t.LastRun),
		"owner", t.Owner,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid trigger time %q: %w", s, err)
	}
	return t, nil
}

const triggerKey = "schedule:flush"

// BadgerTriggerStore keeps the trigger next to the Badger queue.
type BadgerTriggerStore struct {
	db *badger.DB
}

func NewBadgerTriggerStore(db *badger.DB) *BadgerTriggerStore {
	return &BadgerTriggerStore{db: db}
}

func (b *BadgerTriggerStore) Load(context.Context) (*Trigger, error) {
	var t *Trigger
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(triggerKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			t = &Trigger{}
			return json.Unmarshal(val, t)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger: %w", err)
	}
	return t, nil
}

func (b *BadgerTriggerStore) Save(_ context.Context, t Trigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(triggerKey), data)
	}); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	return nil
}

// KVTriggerStore keeps the trigger in a JetStream key-value bucket.
type KVTriggerStore struct {
	kv jetstream.KeyValue
}

func NewKVTriggerStore(kv jetstream.KeyValue) *KVTriggerStore {
	return &KVTriggerStore{kv: kv}
}

// NATS keys may not contain ':'.
const kvTriggerKey = "schedule.flush"

func (k *KVTriggerStore) Load(ctx context.Context) (*Trigger, error) {
	entry, err := k.kv.Get(ctx, kvTriggerKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger: %w", err)
	}
	var t Trigger
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("failed to decode trigger: %w", err)
	}
	return &t, nil
}

func (k *KVTriggerStore) Save(ctx context.Context, t Trigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	if _, err := k.kv.Put(ctx, kvTriggerKey, data); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	return nil
}
