package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists audit entries, consents, subject requests and scheduled
// deletions. Audit entries are append-only: there is no per-entry update
// or delete, only bulk archive and delete by category and age.
type Store interface {
	AppendEntry(ctx context.Context, e *AuditEntry) error
	Entries(ctx context.Context, f EntryFilter) ([]*AuditEntry, error)
	ArchiveEntries(ctx context.Context, cat Category, before time.Time) (int, error)
	DeleteEntries(ctx context.Context, cat Category, before time.Time) (int, error)

	PutConsent(ctx context.Context, c *ConsentRecord) error
	GetConsent(ctx context.Context, id string) (*ConsentRecord, error)
	ConsentsByUser(ctx context.Context, userID string) ([]*ConsentRecord, error)

	PutRequest(ctx context.Context, r *DataSubjectRequest) error
	GetRequest(ctx context.Context, id string) (*DataSubjectRequest, error)
	Requests(ctx context.Context) ([]*DataSubjectRequest, error)

	PutDeletion(ctx context.Context, d *ScheduledDeletion) error
	DeletionsDue(ctx context.Context, now time.Time) ([]*ScheduledDeletion, error)
}

type storedEntry struct {
	entry    *AuditEntry
	archived bool
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []storedEntry
	consents  map[string]*ConsentRecord
	requests  map[string]*DataSubjectRequest
	deletions map[string]*ScheduledDeletion
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consents:  make(map[string]*ConsentRecord),
		requests:  make(map[string]*DataSubjectRequest),
		deletions: make(map[string]*ScheduledDeletion),
	}
}

func (s *MemoryStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, storedEntry{entry: e.clone()})
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context, f EntryFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for _, se := range s.entries {
		if se.archived && !f.IncludeArchived {
			continue
		}
		if f.match(se.entry) {
			out = append(out, se.entry.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ArchiveEntries(ctx context.Context, cat Category, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.entries {
		se := &s.entries[i]
		if !se.archived && se.entry.Category == cat && se.entry.Timestamp.Before(before) {
			se.archived = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteEntries(ctx context.Context, cat Category, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	n := 0
	for _, se := range s.entries {
		if se.entry.Category == cat && se.entry.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, se)
	}
	s.entries = kept
	return n, nil
}

func (s *MemoryStore) PutConsent(ctx context.Context, c *ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) GetConsent(ctx context.Context, id string) (*ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[id]
	if !ok {
		return nil, fmt.Errorf("%w: consent %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

func (s *MemoryStore) ConsentsByUser(ctx context.Context, userID string) ([]*ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConsentRecord
	for _, c := range s.consents {
		if c.UserID == userID {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) PutRequest(ctx context.Context, r *DataSubjectRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.clone()
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*DataSubjectRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return r.clone(), nil
}

func (s *MemoryStore) Requests(ctx context.Context) ([]*DataSubjectRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DataSubjectRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryStore) PutDeletion(ctx context.Context, d *ScheduledDeletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.deletions[d.ID] = &c
	return nil
}

func (s *MemoryStore) DeletionsDue(ctx context.Context, now time.Time) ([]*ScheduledDeletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledDeletion
	for _, d := range s.deletions {
		if d.Status == DeletionScheduled && !d.ScheduledFor.After(now) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}
