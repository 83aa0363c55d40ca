package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

// Redis is a durable Store kept in a Redis namespace. Keys are stored as
// namespace + ":" + key and reported back without the namespace.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// RedisOption customizes a Redis store.
type RedisOption func(*Redis)

// WithTTL expires every written entry after ttl. Zero keeps entries forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// NewRedis returns a Store over client scoped to namespace.
func NewRedis(client redis.UniversalClient, namespace string, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "jianwen"
	}

	r := &Redis{client: client, namespace: namespace}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Redis) key(k string) string {
	return r.namespace + ":" + k
}

// Keys enumerates the namespace with SCAN so large keyspaces are never
// blocked by KEYS.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
		prefix = r.namespace + ":"
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
