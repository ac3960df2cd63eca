package formation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Record is the at-rest form of a formation. Only the routing fields are in
// the clear; the formation itself lives in Data.
type Record struct {
	ID             string                 `json:"id"`
	OwnerID        string                 `json:"owner_id"`
	TeamID         string                 `json:"team_id"`
	Classification vault.Classification   `json:"classification"`
	SharedWith     []string               `json:"shared_with,omitempty"`
	Data           *vault.EncryptedRecord `json:"data"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (r Record) clone() Record {
	c := r
	c.SharedWith = append([]string(nil), r.SharedWith...)
	if r.Data != nil {
		d := *r.Data
		c.Data = &d
	}
	return c
}

// Store persists formation records.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// RedisStore keeps one JSON value per record plus a set of record IDs per
// owner.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "tacticguard:formation"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (r *RedisStore) recordKey(id string) string {
	return r.prefix + ":record:" + id
}

func (r *RedisStore) ownerKey(owner string) string {
	return r.prefix + ":owner:" + owner
}

func (r *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding formation record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, r.ownerKey(rec.OwnerID), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing formation %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading formation %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding formation %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.recordKey(id))
	pipe.SRem(ctx, r.ownerKey(rec.OwnerID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting formation %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, r.ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing formations for %s: %w", ownerID, err)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("Dangling formation id in owner set", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+":record:*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("counting formations: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}
