package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

const (
	jsFetchSize = 256
	jsFetchWait = 500 * time.Millisecond
)

// JetStreamQueue keeps waiting envelopes as messages of a limits-retention
// stream. Each envelope is published with its log id as Nats-Msg-Id, so a
// repeat within the stream's duplicate window is dropped by the server.
// ListWaiting reads through an ordered consumer without acknowledging;
// Remove deletes the messages by stream sequence.
type JetStreamQueue struct {
	client  *natsclient.JetStreamClient
	stream  jetstream.Stream
	subject string
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewJetStreamQueue creates (or updates) the stream described by cfg and
// publishes to its first subject. The client is owned by the caller.
func NewJetStreamQueue(ctx context.Context, client *natsclient.JetStreamClient, cfg natsclient.StreamConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	if len(cfg.Subjects) == 0 {
		return nil, errors.New("jetstream queue: stream needs a subject")
	}
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := client.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &JetStreamQueue{
		client:  client,
		stream:  stream,
		subject: cfg.Subjects[0],
		logger:  logger,
	}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, key string, env *models.Envelope) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if _, err := q.client.PublishSync(ctx, q.subject, data, key); err != nil {
		return fmt.Errorf("jetstream enqueue %s: %w", key, err)
	}
	return nil
}

// EnqueueBatch publishes every item asynchronously and waits for all acks.
// Items acknowledged before a failure stay queued; a retry of the whole
// batch is deduplicated by message id.
func (q *JetStreamQueue) EnqueueBatch(ctx context.Context, items []Item) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if len(items) == 0 {
		return nil
	}

	futures := make([]jetstream.PubAckFuture, 0, len(items))
	for _, it := range items {
		data, err := encode(it.Envelope)
		if err != nil {
			return err
		}
		f, err := q.client.PublishAsync(q.subject, data, it.Key)
		if err != nil {
			return fmt.Errorf("jetstream enqueue batch: %w", err)
		}
		futures = append(futures, f)
	}

	select {
	case <-q.client.PublishAsyncComplete():
	case <-ctx.Done():
		return fmt.Errorf("jetstream enqueue batch: %w", ctx.Err())
	}

	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			return fmt.Errorf("jetstream enqueue batch: %w", err)
		}
	}
	return nil
}

// ListWaiting returns every message up to the stream's last sequence at the
// time of the call.
func (q *JetStreamQueue) ListWaiting(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("jetstream stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	last := info.State.LastSeq

	cons, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{q.subject},
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream ordered consumer: %w", err)
	}

	items := make([]Item, 0, info.State.Msgs)
	var seen uint64
	for {
		batch, err := cons.Fetch(jsFetchSize, jetstream.FetchMaxWait(jsFetchWait))
		if err != nil {
			return nil, fmt.Errorf("jetstream fetch: %w", err)
		}

		received := 0
		done := false
		for msg := range batch.Messages() {
			received++
			meta, err := msg.Metadata()
			if err != nil {
				return nil, fmt.Errorf("jetstream message metadata: %w", err)
			}
			if meta.Sequence.Stream > last {
				done = true
				continue
			}
			seen++
			if meta.Sequence.Stream == last || seen >= info.State.Msgs {
				done = true
			}

			env, err := decode(msg.Data())
			if err != nil {
				q.logger.Warn("skipping undecodable queue item",
					"sequence", meta.Sequence.Stream, "error", err.Error())
				metrics.QueueUndecodable.WithLabelValues("jetstream").Inc()
				continue
			}
			items = append(items, Item{
				Key:      msg.Headers().Get(jetstream.MsgIDHeader),
				Envelope: env,
				seq:      meta.Sequence.Stream,
			})
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("jetstream fetch: %w", err)
		}
		if done || received == 0 {
			break
		}
	}

	for i := range items {
		if items[i].Key == "" {
			items[i].Key = items[i].Envelope.LogID
		}
	}
	sortByKey(items)
	return items, nil
}

func (q *JetStreamQueue) Remove(ctx context.Context, items []Item) error {
	if q.closed.Load() {
		return ErrClosed
	}
	for _, it := range items {
		if it.seq == 0 {
			continue
		}
		err := q.stream.DeleteMsg(ctx, it.seq)
		if err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			return fmt.Errorf("jetstream remove %s: %w", it.Key, err)
		}
	}
	return nil
}

func (q *JetStreamQueue) Len(ctx context.Context) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("jetstream stream info: %w", err)
	}
	return int64(info.State.Msgs), nil
}

func (q *JetStreamQueue) CheckHealth(ctx context.Context) error {
	return q.client.CheckHealth(ctx)
}

// Close stops the queue from accepting calls. The client stays open.
func (q *JetStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}
