package formation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/keylock"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Service stores formations encrypted at their own classification and
// enforces ownership, team and share rules.
type Service struct {
	store  Store
	vault  *vault.Service
	logger *zap.Logger
	locks  keylock.Map
	now    func() time.Time
}

// NewService creates a formation service.
func NewService(store Store, v *vault.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{store: store, vault: v, logger: logger, now: time.Now}
}

func (s *Service) seal(f *Formation) (Record, error) {
	data, err := s.vault.EncryptJSON(f, f.Classification)
	if err != nil {
		return Record{}, fmt.Errorf("encrypting formation %s: %w", f.ID, err)
	}
	return Record{
		ID:             f.ID,
		OwnerID:        f.CreatedBy,
		TeamID:         f.TeamID,
		Classification: f.Classification,
		SharedWith:     append([]string(nil), f.SharedWith...),
		Data:           data,
		UpdatedAt:      f.UpdatedAt,
	}, nil
}

func (s *Service) open(rec Record) (*Formation, error) {
	var f Formation
	if err := s.vault.DecryptJSON(rec.Data, rec.Classification, &f); err != nil {
		return nil, fmt.Errorf("decrypting formation %s: %w", rec.ID, err)
	}
	return &f, nil
}

func canRead(rec Record, a Actor) bool {
	if rec.OwnerID == a.UserID || a.isAdmin() {
		return true
	}
	if rec.TeamID != "" && rec.TeamID == a.TeamID {
		return true
	}
	for _, u := range rec.SharedWith {
		if u == a.UserID {
			return true
		}
	}
	return false
}

func canModify(rec Record, a Actor) bool {
	return rec.OwnerID == a.UserID || a.isAdmin()
}

// Create stores a new formation built from a sanitized document.
func (s *Service) Create(ctx context.Context, actor Actor, doc map[string]any) (*Formation, error) {
	f, err := FromDocument(doc)
	if err != nil {
		return nil, err
	}
	f.Metadata.Source = "editor"
	return s.save(ctx, actor, f)
}

// Import stores a formation prepared by the file handler or an import call.
// The imported tag is always present.
func (s *Service) Import(ctx context.Context, actor Actor, f *Formation) (*Formation, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nothing to import", ErrInvalid)
	}
	f = f.Clone()
	if !f.HasTag(TagImported) {
		f.Metadata.Tags = append(f.Metadata.Tags, TagImported)
	}
	if f.Metadata.Source == "" {
		f.Metadata.Source = "import"
	}
	return s.save(ctx, actor, f)
}

func (s *Service) save(ctx context.Context, actor Actor, f *Formation) (*Formation, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Classification == "" {
		f.Classification = vault.Internal
	}
	if f.Metadata.Version == 0 {
		f.Metadata.Version = 1
	}
	now := s.now().UTC()
	f.CreatedBy = actor.UserID
	if f.TeamID == "" {
		f.TeamID = actor.TeamID
	}
	f.CreatedAt, f.UpdatedAt = now, now

	rec, err := s.seal(f)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("Formation stored",
		zap.String("id", f.ID),
		zap.String("owner", f.CreatedBy),
		zap.String("classification", string(f.Classification)),
	)
	return f.Clone(), nil
}

// Read returns a decrypted formation the actor may see.
func (s *Service) Read(ctx context.Context, actor Actor, id string) (*Formation, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(rec, actor) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return s.open(rec)
}

// Update overlays doc onto the stored formation and bumps its version.
func (s *Service) Update(ctx context.Context, actor Actor, id string, doc map[string]any) (*Formation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canModify(rec, actor) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	f, err := s.open(rec)
	if err != nil {
		return nil, err
	}
	if err := f.apply(doc); err != nil {
		return nil, err
	}
	f.Metadata.Version++
	f.UpdatedAt = s.now().UTC()

	next, err := s.seal(f)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, next); err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes a formation owned by the actor.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canModify(rec, actor) {
		return fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Formation deleted", zap.String("id", id), zap.String("by", actor.UserID))
	return nil
}

// Share grants read access to the given users.
func (s *Service) Share(ctx context.Context, actor Actor, id string, userIDs []string) (*Formation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canModify(rec, actor) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	f, err := s.open(rec)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(f.SharedWith))
	for _, u := range f.SharedWith {
		have[u] = true
	}
	for _, u := range userIDs {
		if u != "" && u != f.CreatedBy && !have[u] {
			have[u] = true
			f.SharedWith = append(f.SharedWith, u)
		}
	}
	f.UpdatedAt = s.now().UTC()

	next, err := s.seal(f)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, next); err != nil {
		return nil, err
	}
	return f, nil
}

// Count returns the number of stored formations.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// Name identifies the service as a personal-data source.
func (s *Service) Name() string {
	return "formations"
}

// CollectUserData returns every formation the user created.
func (s *Service) CollectUserData(ctx context.Context, userID string) (any, error) {
	recs, err := s.store.ListByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Formation, 0, len(recs))
	for _, rec := range recs {
		f, err := s.open(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// EraseUserData deletes every formation the user created.
func (s *Service) EraseUserData(ctx context.Context, userID string) error {
	recs, err := s.store.ListByOwner(ctx, userID)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if err := s.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("erasing formations of %s: %w", userID, errors.Join(errs...))
	}
	s.logger.Info("Formations erased", zap.String("user_id", userID), zap.Int("count", len(recs)))
	return nil
}
