// Package blocklist holds the IP block-list, the locked-account set and the
// quarantine list used by the threat response engine.
package blocklist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Kind names one of the sets.
type Kind string

const (
	KindIP         Kind = "ip"
	KindAccount    Kind = "account"
	KindQuarantine Kind = "quarantine"
)

// ErrEmptyValue is returned when adding an empty member.
var ErrEmptyValue = errors.New("block-list value is empty")

// Entry describes one block-list member.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Store is a set-membership store. Add is idempotent.
type Store interface {
	Add(ctx context.Context, kind Kind, value, reason string, ttl time.Duration) error
	Contains(ctx context.Context, kind Kind, value string) (bool, error)
	Remove(ctx context.Context, kind Kind, value string) error
	List(ctx context.Context, kind Kind) ([]Entry, error)
}

// MemoryStore keeps all sets behind one coarse mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Kind]map[string]Entry),
		now:     time.Now,
	}
}

// Add inserts value. Re-adding keeps the original AddedAt and extends the expiry.
func (m *MemoryStore) Add(_ context.Context, kind Kind, value, reason string, ttl time.Duration) error {
	if value == "" {
		return ErrEmptyValue
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.entries[kind]
	if !ok {
		set = make(map[string]Entry)
		m.entries[kind] = set
	}

	now := m.now()
	entry, exists := set[value]
	if !exists || m.expired(entry, now) {
		entry = Entry{Kind: kind, Value: value, Reason: reason, AddedAt: now}
	}
	if ttl > 0 {
		if exp := now.Add(ttl); exp.After(entry.ExpiresAt) {
			entry.ExpiresAt = exp
		}
	} else {
		entry.ExpiresAt = time.Time{}
	}
	set[value] = entry
	return nil
}

// Contains reports whether value is currently a member.
func (m *MemoryStore) Contains(_ context.Context, kind Kind, value string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[kind][value]
	if !ok {
		return false, nil
	}
	return !m.expired(entry, m.now()), nil
}

// Remove deletes value from the set.
func (m *MemoryStore) Remove(_ context.Context, kind Kind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[kind], value)
	return nil
}

// List returns live members sorted by value.
func (m *MemoryStore) List(_ context.Context, kind Kind) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	result := make([]Entry, 0, len(m.entries[kind]))
	for _, e := range m.entries[kind] {
		if !m.expired(e, now) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Value < result[j].Value })
	return result, nil
}

func (m *MemoryStore) expired(e Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
