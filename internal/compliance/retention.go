package compliance

import (
	"fmt"
	"sync"
	"time"
)

const day = 24 * time.Hour

// DefaultRetention returns the built-in retention table.
func DefaultRetention() map[Category]RetentionPolicy {
	return map[Category]RetentionPolicy{
		CategoryPersonal: {
			RetentionPeriod: 3 * 365 * day, ArchiveAfter: 365 * day, DeleteAfter: 3 * 365 * day,
			Reason: "account lifetime plus limitation period",
		},
		CategoryTactical: {
			RetentionPeriod: 5 * 365 * day, ArchiveAfter: 2 * 365 * day, DeleteAfter: 5 * 365 * day,
			Reason: "club knowledge base",
		},
		CategoryFinancial: {
			RetentionPeriod: 7 * 365 * day, ArchiveAfter: 3 * 365 * day, DeleteAfter: 7 * 365 * day,
			LegalHold: true, Reason: "statutory bookkeeping",
		},
		CategoryMedical: {
			RetentionPeriod: 10 * 365 * day, ArchiveAfter: 2 * 365 * day, DeleteAfter: 10 * 365 * day,
			Reason: "player health records",
		},
		CategoryCommunication: {
			RetentionPeriod: 365 * day, ArchiveAfter: 90 * day, DeleteAfter: 365 * day,
			Reason: "team messaging",
		},
		CategorySystem: {
			RetentionPeriod: 2 * 365 * day, ArchiveAfter: 180 * day, DeleteAfter: 2 * 365 * day,
			Reason: "operational logs",
		},
	}
}

// Validate checks archiveAfter <= deleteAfter <= retentionPeriod.
func (p RetentionPolicy) Validate() error {
	if p.ArchiveAfter < 0 || p.ArchiveAfter > p.DeleteAfter || p.DeleteAfter > p.RetentionPeriod {
		return fmt.Errorf("%w: %s: archive %s, delete %s, retention %s",
			ErrInvalidRetention, p.Category, p.ArchiveAfter, p.DeleteAfter, p.RetentionPeriod)
	}
	return nil
}

// retentionTable holds one policy per category. Only the legal-hold flag
// changes at runtime.
type retentionTable struct {
	mu       sync.RWMutex
	policies map[Category]RetentionPolicy
}

func newRetentionTable(overrides map[Category]RetentionPolicy) (*retentionTable, error) {
	policies := DefaultRetention()
	for cat, p := range overrides {
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, cat)
		}
		policies[cat] = p
	}
	for cat, p := range policies {
		p.Category = cat
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[cat] = p
	}
	return &retentionTable{policies: policies}, nil
}

func (t *retentionTable) get(cat Category) (RetentionPolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.policies[cat]
	return p, ok
}

func (t *retentionTable) held(cat Category) bool {
	p, ok := t.get(cat)
	return ok && p.LegalHold
}

func (t *retentionTable) setHold(cat Category, hold bool, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.policies[cat]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, cat)
	}
	p.LegalHold = hold
	if reason != "" {
		p.Reason = reason
	}
	t.policies[cat] = p
	return nil
}

func (t *retentionTable) all() map[Category]RetentionPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Category]RetentionPolicy, len(t.policies))
	for k, v := range t.policies {
		out[k] = v
	}
	return out
}
