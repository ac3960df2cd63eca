package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "tacticguard:block"

// RedisStore keeps one key per member so each can carry its own TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (r *RedisStore) key(kind Kind, value string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, kind, value)
}

// Add stores the member. SETNX keeps the first AddedAt; the TTL is refreshed.
func (r *RedisStore) Add(ctx context.Context, kind Kind, value, reason string, ttl time.Duration) error {
	if value == "" {
		return ErrEmptyValue
	}

	entry := Entry{Kind: kind, Value: value, Reason: reason, AddedAt: time.Now().UTC()}
	if ttl > 0 {
		entry.ExpiresAt = entry.AddedAt.Add(ttl)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding block-list entry: %w", err)
	}

	key := r.key(kind, value)
	if err := r.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("adding %s to %s block-list: %w", value, kind, err)
	}
	if ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("refreshing block-list ttl: %w", err)
		}
	} else if err := r.client.Persist(ctx, key).Err(); err != nil {
		return fmt.Errorf("persisting block-list entry: %w", err)
	}
	return nil
}

// Contains checks key existence.
func (r *RedisStore) Contains(ctx context.Context, kind Kind, value string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(kind, value)).Result()
	if err != nil {
		return false, fmt.Errorf("checking %s block-list: %w", kind, err)
	}
	return n > 0, nil
}

// Remove deletes the member key.
func (r *RedisStore) Remove(ctx context.Context, kind Kind, value string) error {
	return r.client.Del(ctx, r.key(kind, value)).Err()
}

// List scans all member keys of kind.
func (r *RedisStore) List(ctx context.Context, kind Kind) ([]Entry, error) {
	pattern := fmt.Sprintf("%s:%s:*", r.prefix, kind)
	var (
		cursor  uint64
		entries []Entry
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s block-list: %w", kind, err)
		}
		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", key, err)
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				r.logger.Warn("Skipping malformed block-list entry", zap.String("key", key), zap.Error(err))
				e = Entry{Kind: kind, Value: strings.TrimPrefix(key, fmt.Sprintf("%s:%s:", r.prefix, kind))}
			}
			entries = append(entries, e)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })
	return entries, nil
}
