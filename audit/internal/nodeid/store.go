// Package nodeid leases log id node numbers from shared storage, so two
// auditd processes behind the same queue never stamp IDs with the same
// node.
package nodeid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a lease survives without renewal.
const DefaultTTL = 30 * time.Second

var (
	// ErrLeaseLost means another owner holds the node, or renewals failed
	// for longer than the TTL.
	ErrLeaseLost = errors.New("node id lease lost")

	// ErrNoFreeNode is returned by Acquire when every node is leased.
	ErrNoFreeNode = errors.New("no free node id")
)

// Store holds one expiring ownership record per node.
type Store interface {
	// Claim takes node for owner if nobody holds it.
	Claim(ctx context.Context, node int64, owner string) (bool, error)
	// Renew extends owner's hold on node, re-taking it if it expired
	// unclaimed. It returns ErrLeaseLost when someone else holds it.
	Renew(ctx context.Context, node int64, owner string) error
	// Release gives node up if owner still holds it.
	Release(ctx context.Context, node int64, owner string) error
	TTL() time.Duration
}

// RedisStore keeps leases in the keys <prefix>:logid:node:<n>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the lease key of node.
func (s *RedisStore) Key(node int64) string {
	return s.prefix + ":logid:node:" + strconv.FormatInt(node, 10)
}

func (s *RedisStore) TTL() time.Duration {
	return s.ttl
}

func (s *RedisStore) Claim(ctx context.Context, node int64, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.Key(node), owner, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim node %d: %w", node, err)
	}
	return ok, nil
}

var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

func (s *RedisStore) Renew(ctx context.Context, node int64, owner string) error {
	held, err := renewScript.Run(ctx, s.client, []string{s.Key(node)}, owner, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew node %d: %w", node, err)
	}
	if held == 0 {
		return ErrLeaseLost
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisStore) Release(ctx context.Context, node int64, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.Key(node)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release node %d: %w", node, err)
	}
	return nil
}

// KVStore keeps leases in a JetStream key-value bucket created with a TTL,
// under the keys node.<n>. Every renewal is a new revision, which restarts
// the bucket's expiry for that key.
type KVStore struct {
	kv  jetstream.KeyValue
	ttl time.Duration
}

// NewKVStore expects kv to have been created with ttl as its bucket TTL.
func NewKVStore(kv jetstream.KeyValue, ttl time.Duration) *KVStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KVStore{kv: kv, ttl: ttl}
}

func kvKey(node int64) string {
	return "node." + strconv.FormatInt(node, 10)
}

func (s *KVStore) TTL() time.Duration {
	return s.ttl
}

func (s *KVStore) Claim(ctx context.Context, node int64, owner string) (bool, error) {
	_, err := s.kv.Create(ctx, kvKey(node), []byte(owner))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv claim node %d: %w", node, err)
	}
	return true, nil
}

func (s *KVStore) Renew(ctx context.Context, node int64, owner string) error {
	entry, err := s.kv.Get(ctx, kvKey(node))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		ok, err := s.Claim(ctx, node, owner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv renew node %d: %w", node, err)
	}
	if string(entry.Value()) != owner {
		return ErrLeaseLost
	}

	_, err = s.kv.Update(ctx, kvKey(node), []byte(owner), entry.Revision())
	if errors.Is(err, jetstream.ErrKeyExists) {
		// someone wrote the key between Get and Update
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("kv renew node %d: %w", node, err)
	}
	return nil
}

func (s *KVStore) Release(ctx context.Context, node int64, owner string) error {
	entry, err := s.kv.Get(ctx, kvKey(node))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv release node %d: %w", node, err)
	}
	if string(entry.Value()) != owner {
		return nil
	}
	err = s.kv.Delete(ctx, kvKey(node), jetstream.LastRevision(entry.Revision()))
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("kv release node %d: %w", node, err)
	}
	return nil
}
