package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

func testEnvelope(id int64) *models.Envelope {
	return &models.Envelope{
		LogID:      logid.Format(id),
		Type:       models.EventRecordUpdated.String(),
		Category:   models.CategoryCUD,
		LogType:    models.LogTypeAudit,
		Severity:   models.SeverityInfo,
		Visibility: models.VisibilityActorOnly,
		ActorID:    models.StringPtr("u-1"),
		Entity:     &models.Entity{Type: "invoice", ID: fmt.Sprintf("inv-%d", id)},
		Payload: models.Payload{
			models.KeyEntityType: "invoice",
			models.KeyChanges:    map[string]any{"total": "10.00"},
		},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testItems(from, n int64) []Item {
	items := make([]Item, 0, n)
	for i := from; i < from+n; i++ {
		items = append(items, NewItem(testEnvelope(i)))
	}
	return items
}

// runQueueContract exercises the behaviour every backend must share.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		q := newQueue(t)
		items, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("enqueue round trips the envelope", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope(42)
		require.NoError(t, q.Enqueue(ctx, env.LogID, env))

		items, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, env.LogID, items[0].Key)
		assert.Equal(t, env.LogID, items[0].Envelope.LogID)
		assert.Equal(t, env.Entity, items[0].Envelope.Entity)
		assert.Equal(t, "u-1", models.Deref(items[0].Envelope.ActorID))
		assert.True(t, env.OccurredAt.Equal(items[0].Envelope.OccurredAt))
		assert.Equal(t, "10.00", items[0].Envelope.Changes()["total"])
	})

	t.Run("duplicate key is not delivered twice", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope(7)
		require.NoError(t, q.Enqueue(ctx, env.LogID, env))
		require.NoError(t, q.Enqueue(ctx, env.LogID, env))
		require.NoError(t, q.EnqueueBatch(ctx, []Item{NewItem(env)}))

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("batch listing is ordered and non-destructive", func(t *testing.T) {
		q := newQueue(t)
		items := testItems(100, 25)
		// reverse to make sure ordering comes from the queue
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		require.NoError(t, q.EnqueueBatch(ctx, items))

		first, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		require.Len(t, first, 25)
		for i := 1; i < len(first); i++ {
			assert.Less(t, first[i-1].Key, first[i].Key)
		}

		second, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		assert.Len(t, second, 25)
	})

	t.Run("remove deletes only listed items", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.EnqueueBatch(ctx, testItems(1, 5)))

		listed, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 5)

		require.NoError(t, q.Enqueue(ctx, logid.Format(99), testEnvelope(99)))
		require.NoError(t, q.Remove(ctx, listed))
		// removing again is harmless
		require.NoError(t, q.Remove(ctx, listed))

		left, err := q.ListWaiting(ctx)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, logid.Format(99), left[0].Key)
	})

	t.Run("closed", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Close())
		assert.ErrorIs(t, q.Enqueue(ctx, "k", testEnvelope(1)), ErrClosed)
		_, err := q.ListWaiting(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemoryQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		return NewMemoryQueue()
	})
}

func TestRedisQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisQueue(client, "test", nil)
	})
}

func TestRedisQueue_DeadLettersUndecodableItems(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "test", nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, logid.Format(1), testEnvelope(1)))
	mr.HSet(q.Key(), "garbage", "{not json")

	before := testutil.ToFloat64(metrics.QueueUndecodable.WithLabelValues("redis"))

	items, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// the bad value leaves the queue instead of being rescanned forever
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	parked, err := client.HGet(ctx, q.DeadLetterKey(), "garbage").Result()
	require.NoError(t, err)
	assert.Equal(t, "{not json", parked)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QueueUndecodable.WithLabelValues("redis")))

	items, err = q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QueueUndecodable.WithLabelValues("redis")))
}

func TestRedisQueue_CheckHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	q := NewRedisQueue(client, "test", nil)
	require.NoError(t, q.CheckHealth(context.Background()))

	mr.Close()
	assert.Error(t, q.CheckHealth(context.Background()))
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr(), func(o *redis.Options) {
		o.PoolSize = 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, client.Options().PoolSize)
	require.NoError(t, client.Close())

	_, err = ConnectRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestBadgerQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		q, err := OpenBadger(BadgerOptions{Path: t.TempDir()}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestBadgerQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := OpenBadger(BadgerOptions{Path: dir, SyncWrites: true}, nil)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueBatch(ctx, testItems(1, 3)))
	require.NoError(t, q.Close())

	q, err = OpenBadger(BadgerOptions{Path: dir}, nil)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBadgerQueue_DeadLettersUndecodableItems(t *testing.T) {
	q, err := OpenBadger(BadgerOptions{InMemory: true}, nil)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, logid.Format(1), testEnvelope(1)))
	require.NoError(t, q.DB().Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey("garbage"), []byte("{not json"))
	}))
	before := testutil.ToFloat64(metrics.QueueUndecodable.WithLabelValues("badger"))

	items, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, logid.Format(1), items[0].Key)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QueueUndecodable.WithLabelValues("badger")))

	require.NoError(t, q.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get(DeadLetterKey("garbage"))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		assert.Equal(t, "{not json", string(val))
		return err
	}))
}

func runJetStreamServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestJetStreamQueue(t *testing.T) {
	url := runJetStreamServer(t)

	n := 0
	runQueueContract(t, func(t *testing.T) Queue {
		cfg := natsclient.DefaultConfig()
		cfg.URL = url
		client, err := natsclient.NewJetStreamClient(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		// one stream per subtest keeps them independent
		n++
		name := fmt.Sprintf("AUDIT_TEST_%d", n)
		streamCfg := natsclient.DefaultStreamConfig(name, []string{fmt.Sprintf("audit.test.%d", n)})
		streamCfg.Storage = jetstream.MemoryStorage
		streamCfg.MaxBytes = 1 << 20

		q, err := NewJetStreamQueue(context.Background(), client, streamCfg, nil)
		require.NoError(t, err)
		return q
	})
}

func TestJetStreamQueue_CheckHealth(t *testing.T) {
	cfg := natsclient.DefaultConfig()
	cfg.URL = runJetStreamServer(t)
	client, err := natsclient.NewJetStreamClient(cfg)
	require.NoError(t, err)

	streamCfg := natsclient.DefaultStreamConfig("AUDIT_HEALTH", []string{"audit.health"})
	streamCfg.Storage = jetstream.MemoryStorage
	streamCfg.MaxBytes = 1 << 20
	q, err := NewJetStreamQueue(context.Background(), client, streamCfg, nil)
	require.NoError(t, err)

	// a context without a deadline is bounded by the client timeout
	require.NoError(t, q.CheckHealth(context.Background()))

	require.NoError(t, client.Close())
	assert.Error(t, q.CheckHealth(context.Background()))
}

func TestJetStreamQueue_FullStreamRejectsInsteadOfEvicting(t *testing.T) {
	cfg := natsclient.DefaultConfig()
	cfg.URL = runJetStreamServer(t)
	client, err := natsclient.NewJetStreamClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	streamCfg := natsclient.DefaultStreamConfig("AUDIT_FULL", []string{"audit.full"})
	require.Equal(t, jetstream.DiscardNew, streamCfg.Discard)
	streamCfg.Storage = jetstream.MemoryStorage
	streamCfg.MaxBytes = 8 << 10

	ctx := context.Background()
	q, err := NewJetStreamQueue(ctx, client, streamCfg, nil)
	require.NoError(t, err)

	var accepted []string
	var rejected error
	for i := int64(1); i <= 60; i++ {
		key := logid.Format(i)
		if err := q.Enqueue(ctx, key, testEnvelope(i)); err != nil {
			rejected = err
			break
		}
		accepted = append(accepted, key)
	}
	require.Error(t, rejected, "a full stream must reject the publish")
	require.NotEmpty(t, accepted)

	items, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	listed := make([]string, 0, len(items))
	for _, it := range items {
		listed = append(listed, it.Key)
	}
	// nothing that was acknowledged has been evicted
	assert.Equal(t, accepted, listed)
	assert.Equal(t, logid.Format(1), listed[0])
}
