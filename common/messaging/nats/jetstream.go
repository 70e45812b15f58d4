package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string

	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
	// Discard decides what happens once a limit is reached. DiscardNew
	// rejects the publish; DiscardOld silently drops the oldest message.
	Discard jetstream.DiscardPolicy
}

// DefaultStreamConfig returns defaults for a durable, deduplicating stream.
// Messages never expire by age; once MaxBytes is reached new publishes are
// rejected instead of evicting stored messages.
func DefaultStreamConfig(name string, subjects []string) StreamConfig {
	return StreamConfig{
		Name:       name,
		Subjects:   subjects,
		MaxBytes:   1024 * 1024 * 1024, // 1GB
		Duplicates: 10 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardNew,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *JetStreamClient) JetStream() jetstream.JetStream {
	return c.js
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
		Discard:    cfg.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// KeyValue returns the bucket, creating it when it does not exist.
func (c *JetStreamClient) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	return c.keyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
}

// KeyValueWithTTL is KeyValue for a bucket whose entries expire ttl after
// their last write. The TTL only applies when the bucket is created here.
func (c *JetStreamClient) KeyValueWithTTL(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	return c.keyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
}

func (c *JetStreamClient) keyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	bucket := cfg.Bucket
	kv, err := c.js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// PublishSync publishes data and waits for the stream to acknowledge it.
// A non-empty msgID is sent as Nats-Msg-Id for server-side deduplication.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	return c.js.Publish(ctx, subject, data, opts...)
}

// PublishAsync publishes without waiting; see PublishAsyncComplete.
func (c *JetStreamClient) PublishAsync(subject string, data []byte, msgID string) (jetstream.PubAckFuture, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	return c.js.PublishAsync(subject, data, opts...)
}

// PublishAsyncComplete is closed once every pending async publish has been
// acknowledged or has failed.
func (c *JetStreamClient) PublishAsyncComplete() <-chan struct{} {
	return c.js.PublishAsyncComplete()
}
