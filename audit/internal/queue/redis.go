package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

const (
	redisScanCount  = 500
	redisRemoveSize = 1000
)

// RedisQueue stores waiting envelopes in one Redis hash keyed by log id.
// HSETNX gives keyed deduplication; the hash is only shrunk by Remove and
// by moving undecodable values to the dead-letter hash.
type RedisQueue struct {
	client     *redis.Client
	key        string
	deadLetter string
	logger     *slog.Logger
	closed atomic.Bool
}

// ConnectRedis parses url, applies tune and verifies the server answers.
func ConnectRedis(ctx context.Context, url string, tune ...func(*redis.Options)) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	for _, fn := range tune {
		fn(opt)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisQueue uses the hash "<prefix>:queue:events" and parks values it
// cannot decode in "<prefix>:queue:deadletter". The client is owned by the
// caller.
func NewRedisQueue(client *redis.Client, prefix string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:     client,
		key:        prefix + ":queue:events",
		deadLetter: prefix + ":queue:deadletter",
		logger:     logger,
	}
}

// Key returns the name of the backing hash.
func (q *RedisQueue) Key() string {
	return q.key
}

// DeadLetterKey returns the hash that holds undecodable values.
func (q *RedisQueue) DeadLetterKey() string {
	return q.deadLetter
}

func (q *RedisQueue) Enqueue(ctx context.Context, key string, env *models.Envelope) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := q.client.HSetNX(ctx, q.key, key, data).Err(); err != nil {
		return fmt.Errorf("redis enqueue %s: %w", key, err)
	}
	return nil
}

func (q *RedisQueue) EnqueueBatch(ctx context.Context, items []Item) error {
	if q.closed.Load() {
		return ErrClosed
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

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, it := range items {
			pipe.HSetNX(ctx, q.key, it.Key, encoded[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue batch of %d: %w", len(items), err)
	}
	return nil
}

func (q *RedisQueue) ListWaiting(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	var items []Item
	bad := make(map[string]string)
	seen := make(map[string]struct{})
	iter := q.client.HScan(ctx, q.key, 0, "", redisScanCount).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		value := iter.Val()

		// HSCAN may return a field more than once.
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}

		env, err := decode([]byte(value))
		if err != nil {
			q.logger.Warn("dead-lettering undecodable queue item", "key", field, "error", err.Error())
			bad[field] = value
			continue
		}
		items = append(items, Item{Key: field, Envelope: env})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis list waiting: %w", err)
	}
	q.deadLetterItems(ctx, bad)

	sortByKey(items)
	return items, nil
}

// deadLetterItems moves bad values out of the queue hash so they stop
// counting towards Len and are not rescanned on every flush. A failed move
// is retried on the next listing.
func (q *RedisQueue) deadLetterItems(ctx context.Context, bad map[string]string) {
	if len(bad) == 0 {
		return
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range bad {
			pipe.HSet(ctx, q.deadLetter, field, value)
			pipe.HDel(ctx, q.key, field)
		}
		return nil
	})
	if err != nil {
		q.logger.Error("failed to dead-letter queue items", "count", len(bad), "error", err.Error())
		return
	}
	metrics.QueueUndecodable.WithLabelValues("redis").Add(float64(len(bad)))
}

func (q *RedisQueue) Remove(ctx context.Context, items []Item) error {
	if q.closed.Load() {
		return ErrClosed
	}
	for start := 0; start < len(items); start += redisRemoveSize {
		end := min(start+redisRemoveSize, len(items))
		fields := make([]string, 0, end-start)
		for _, it := range items[start:end] {
			fields = append(fields, it.Key)
		}
		if err := q.client.HDel(ctx, q.key, fields...).Err(); err != nil {
			return fmt.Errorf("redis remove: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	n, err := q.client.HLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue length: %w", err)
	}
	return n, nil
}

// CheckHealth pings the server.
func (q *RedisQueue) CheckHealth(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close stops the queue from accepting calls. The client stays open.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
