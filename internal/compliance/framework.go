package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/keylock"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Config holds compliance settings.
type Config struct {
	Framework string `yaml:"framework"`
	// ConsentGrace delays deletions scheduled by a consent withdrawal.
	ConsentGrace time.Duration                `yaml:"consent_grace"`
	Retention    map[Category]RetentionPolicy `yaml:"retention"`
	// RequestDeadline is how long a subject request may stay open.
	RequestDeadline time.Duration `yaml:"request_deadline"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Framework:       "GDPR",
		ConsentGrace:    30 * day,
		RequestDeadline: 30 * day,
	}
}

type registeredSource struct {
	category Category
	source   DataSource
}

// Framework is the compliance audit framework.
type Framework struct {
	config    Config
	store     Store
	vault     *vault.Service
	verifier  Verifier
	retention *retentionTable
	logger    *zap.Logger
	now       func() time.Time

	consentLocks keylock.Map
	requestLocks keylock.Map

	mu      sync.RWMutex
	sources []registeredSource
}

// NewFramework creates a compliance framework. A nil store keeps records in
// memory; a nil verifier accepts every subject request.
func NewFramework(cfg Config, store Store, v *vault.Service, verifier Verifier, logger *zap.Logger) (*Framework, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if verifier == nil {
		verifier = AcceptVerifier{}
	}
	def := DefaultConfig()
	if cfg.Framework == "" {
		cfg.Framework = def.Framework
	}
	if cfg.ConsentGrace < 0 {
		cfg.ConsentGrace = def.ConsentGrace
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = def.RequestDeadline
	}
	table, err := newRetentionTable(cfg.Retention)
	if err != nil {
		return nil, err
	}
	return &Framework{
		config:    cfg,
		store:     store,
		vault:     v,
		verifier:  verifier,
		retention: table,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// RegisterSource makes src reachable by subject requests and scheduled
// deletions for data of category cat.
func (f *Framework) RegisterSource(cat Category, src DataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, registeredSource{category: cat, source: src})
}

func (f *Framework) registered() []registeredSource {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]registeredSource(nil), f.sources...)
}

// RetentionPolicies returns the current retention table.
func (f *Framework) RetentionPolicies() map[Category]RetentionPolicy {
	return f.retention.all()
}

// SetLegalHold places or lifts a legal hold on a category.
func (f *Framework) SetLegalHold(cat Category, hold bool, reason string) error {
	if err := f.retention.setHold(cat, hold, reason); err != nil {
		return err
	}
	f.logger.Info("Legal hold updated",
		zap.String("category", string(cat)),
		zap.Bool("hold", hold),
		zap.String("reason", reason),
	)
	return nil
}

// LogProcessing appends an audit entry. Violations found by the check are
// recorded on the entry and logged; they never fail the call.
func (f *Framework) LogProcessing(ctx context.Context, rec ProcessingRecord) (*AuditEntry, error) {
	policy, ok := f.retention.get(rec.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, rec.Category)
	}
	framework := rec.Framework
	if framework == "" {
		framework = f.config.Framework
	}

	now := f.now().UTC()
	entry := &AuditEntry{
		ID:              uuid.New().String(),
		Timestamp:       now,
		Framework:       framework,
		UserID:          rec.UserID,
		Action:          rec.Action,
		Category:        rec.Category,
		DataType:        rec.DataType,
		Basis:           rec.Basis,
		Purpose:         rec.Purpose,
		Retention:       policy,
		Encrypted:       rec.Encrypted,
		StorageLocation: rec.StorageLocation,
		Details:         rec.Details,
		IP:              rec.IP,
		UserAgent:       rec.UserAgent,
	}
	entry.Violations = f.checkViolations(ctx, rec, policy, now)

	if err := f.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("logging processing activity: %w", err)
	}
	if len(entry.Violations) > 0 {
		f.logger.Warn("Compliance violation detected",
			zap.String("entry_id", entry.ID),
			zap.String("user_id", rec.UserID),
			zap.String("action", rec.Action),
			zap.String("category", string(rec.Category)),
			zap.Strings("violations", entry.Violations),
		)
	}
	return entry.clone(), nil
}

func (f *Framework) checkViolations(ctx context.Context, rec ProcessingRecord, policy RetentionPolicy, now time.Time) []string {
	var out []string
	if !rec.DataCreatedAt.IsZero() && !policy.LegalHold && now.Sub(rec.DataCreatedAt) > policy.RetentionPeriod {
		out = append(out, ViolationRetentionExpired)
	}
	if rec.Category.Sensitive() && !rec.Encrypted {
		out = append(out, ViolationEncryptionRequired)
	}
	switch {
	case !rec.Basis.Valid():
		out = append(out, ViolationInvalidBasis)
	case rec.Basis == BasisConsent && !f.hasActiveConsent(ctx, rec.UserID, rec.Category):
		out = append(out, ViolationMissingConsent)
	}
	return out
}

func (f *Framework) hasActiveConsent(ctx context.Context, userID string, cat Category) bool {
	if userID == "" {
		return false
	}
	consents, err := f.store.ConsentsByUser(ctx, userID)
	if err != nil {
		f.logger.Error("Failed to load consents", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	for _, c := range consents {
		if c.Active() && c.covers(cat) {
			return true
		}
	}
	return false
}

// Entries lists audit entries.
func (f *Framework) Entries(ctx context.Context, filter EntryFilter) ([]*AuditEntry, error) {
	return f.store.Entries(ctx, filter)
}

// RecordConsent stores a consent decision. Versions count per user and
// purpose.
func (f *Framework) RecordConsent(ctx context.Context, in ConsentInput) (*ConsentRecord, error) {
	if in.Basis == "" {
		in.Basis = BasisConsent
	}
	if !in.Basis.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBasis, in.Basis)
	}
	for _, c := range in.Categories {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, c)
		}
	}

	unlock := f.consentLocks.Lock("user:" + in.UserID)
	defer unlock()

	existing, err := f.store.ConsentsByUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	version := 1
	for _, c := range existing {
		if c.Purpose == in.Purpose && c.Version >= version {
			version = c.Version + 1
		}
	}

	rec := &ConsentRecord{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		Purpose:    in.Purpose,
		Categories: append([]Category(nil), in.Categories...),
		Basis:      in.Basis,
		Granted:    in.Granted,
		Timestamp:  f.now().UTC(),
		Version:    version,
		IP:         in.IP,
		UserAgent:  in.UserAgent,
	}
	if err := f.store.PutConsent(ctx, rec); err != nil {
		return nil, err
	}

	f.bookkeeping(ctx, in.UserID, "consent_recorded", "consent_record", map[string]any{
		"consent_id": rec.ID, "purpose": rec.Purpose, "granted": rec.Granted, "version": rec.Version,
	})
	return rec.clone(), nil
}

// WithdrawalResult is the outcome of WithdrawConsent.
type WithdrawalResult struct {
	Consent   *ConsentRecord       `json:"consent"`
	Scheduled []*ScheduledDeletion `json:"scheduled_deletions,omitempty"`
	// Retained lists categories whose deletion was skipped for a legal hold.
	Retained []Category `json:"retained_categories,omitempty"`
}

// WithdrawConsent withdraws a consent on behalf of its owner. Withdrawals of
// the same consent are serialized. For each category where the consent was
// the only lawful basis, a deletion is scheduled unless the category is under
// legal hold.
func (f *Framework) WithdrawConsent(ctx context.Context, consentID, userID, reason string) (*WithdrawalResult, error) {
	unlock := f.consentLocks.Lock(consentID)
	defer unlock()

	rec, err := f.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrNotConsentOwner
	}
	if rec.WithdrawnAt != nil {
		return nil, ErrAlreadyWithdrawn
	}

	now := f.now().UTC()
	rec.WithdrawnAt = &now
	rec.WithdrawalReason = reason
	if err := f.store.PutConsent(ctx, rec); err != nil {
		return nil, err
	}

	res := &WithdrawalResult{Consent: rec.clone()}
	for _, cat := range rec.Categories {
		sole, err := f.consentSoleBasis(ctx, rec, cat)
		if err != nil {
			return nil, err
		}
		if !sole {
			continue
		}
		if f.retention.held(cat) {
			res.Retained = append(res.Retained, cat)
			continue
		}
		d := &ScheduledDeletion{
			ID:           uuid.New().String(),
			UserID:       userID,
			Category:     cat,
			Reason:       "consent withdrawn",
			ScheduledFor: now.Add(f.config.ConsentGrace),
			Status:       DeletionScheduled,
		}
		if err := f.store.PutDeletion(ctx, d); err != nil {
			return nil, err
		}
		res.Scheduled = append(res.Scheduled, d)
	}

	f.logger.Info("Consent withdrawn",
		zap.String("consent_id", consentID),
		zap.String("user_id", userID),
		zap.Int("scheduled_deletions", len(res.Scheduled)),
		zap.Int("retained_categories", len(res.Retained)),
	)
	f.bookkeeping(ctx, userID, "consent_withdrawn", "consent_record", map[string]any{
		"consent_id": consentID, "reason": reason,
	})
	return res, nil
}

// consentSoleBasis reports whether nothing but the withdrawn consent
// justifies processing the user's data in cat.
func (f *Framework) consentSoleBasis(ctx context.Context, withdrawn *ConsentRecord, cat Category) (bool, error) {
	consents, err := f.store.ConsentsByUser(ctx, withdrawn.UserID)
	if err != nil {
		return false, err
	}
	for _, c := range consents {
		if c.ID != withdrawn.ID && c.Active() && c.covers(cat) {
			return false, nil
		}
	}
	entries, err := f.store.Entries(ctx, EntryFilter{UserID: withdrawn.UserID, Category: cat, IncludeArchived: true})
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Basis != BasisConsent && e.Basis.Valid() {
			return false, nil
		}
	}
	return true, nil
}

// HandleSubjectRequest opens a data subject request and verifies the
// requester. A verified request stays pending until processed; a failed
// verification rejects it.
func (f *Framework) HandleSubjectRequest(ctx context.Context, userID string, typ RequestType, method string) (*DataSubjectRequest, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequestType, typ)
	}
	req := &DataSubjectRequest{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         typ,
		RequestedAt:  f.now().UTC(),
		Status:       StatusPending,
		Verification: Verification{Method: method},
	}

	ok, err := f.verifier.Verify(ctx, userID, method)
	switch {
	case err != nil:
		f.logger.Warn("Subject request verification failed", zap.String("user_id", userID), zap.Error(err))
		f.reject(req, "identity verification failed")
	case !ok:
		f.reject(req, "identity verification failed")
	default:
		at := f.now().UTC()
		req.Verification.Verified = true
		req.Verification.VerifiedAt = &at
	}

	if err := f.store.PutRequest(ctx, req); err != nil {
		return nil, err
	}
	f.logger.Info("Subject request received",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.String("type", string(typ)),
		zap.String("status", string(req.Status)),
	)
	f.bookkeeping(ctx, userID, "subject_request_received", "data_subject_request", map[string]any{
		"request_id": req.ID, "request_type": string(typ), "verified": req.Verification.Verified,
	})
	return req.clone(), nil
}

// Request returns a subject request.
func (f *Framework) Request(ctx context.Context, id string) (*DataSubjectRequest, error) {
	return f.store.GetRequest(ctx, id)
}

func (f *Framework) reject(req *DataSubjectRequest, reason string) {
	if err := req.transition(StatusRejected); err != nil {
		return
	}
	at := f.now().UTC()
	req.Reason = reason
	req.ProcessedAt = &at
}

// beginProcessing loads a request, checks its type and verification and
// moves it to processing. The caller holds the request lock.
func (f *Framework) beginProcessing(ctx context.Context, id string, types ...RequestType) (*DataSubjectRequest, error) {
	req, err := f.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	match := false
	for _, t := range types {
		if req.Type == t {
			match = true
		}
	}
	if !match {
		return nil, fmt.Errorf("%w: %s", ErrWrongRequestType, req.Type)
	}
	if !req.Verification.Verified {
		return nil, ErrNotVerified
	}
	if err := req.transition(StatusProcessing); err != nil {
		return nil, err
	}
	if err := f.store.PutRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (f *Framework) finish(ctx context.Context, req *DataSubjectRequest, to RequestStatus, reason string) error {
	if err := req.transition(to); err != nil {
		return err
	}
	at := f.now().UTC()
	req.ProcessedAt = &at
	req.ProcessedBy = "compliance-framework"
	req.Reason = reason
	return f.store.PutRequest(ctx, req)
}

// AccessResult carries the encrypted export of an access request.
type AccessResult struct {
	Request *DataSubjectRequest    `json:"request"`
	Export  *vault.EncryptedRecord `json:"export,omitempty"`
}

type subjectExport struct {
	UserID      string           `json:"user_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Sources     map[string]any   `json:"sources"`
	Entries     []*AuditEntry    `json:"audit_entries"`
	Consents    []*ConsentRecord `json:"consents"`
}

// ProcessAccessRequest gathers the user's data from every registered source,
// audit log and consents, and returns it encrypted at confidential.
func (f *Framework) ProcessAccessRequest(ctx context.Context, id string) (*AccessResult, error) {
	unlock := f.requestLocks.Lock(id)
	defer unlock()

	req, err := f.beginProcessing(ctx, id, RequestAccess, RequestPortability)
	if err != nil {
		return nil, err
	}

	export := subjectExport{UserID: req.UserID, GeneratedAt: f.now().UTC(), Sources: map[string]any{}}
	var collectErr error
	for _, rs := range f.registered() {
		data, err := rs.source.CollectUserData(ctx, req.UserID)
		if err != nil {
			collectErr = errors.Join(collectErr, fmt.Errorf("%s: %w", rs.source.Name(), err))
			continue
		}
		export.Sources[rs.source.Name()] = data
	}
	if collectErr == nil {
		export.Entries, collectErr = f.store.Entries(ctx, EntryFilter{UserID: req.UserID, IncludeArchived: true})
	}
	if collectErr == nil {
		export.Consents, collectErr = f.store.ConsentsByUser(ctx, req.UserID)
	}

	var sealed *vault.EncryptedRecord
	if collectErr == nil {
		sealed, collectErr = f.vault.EncryptJSON(export, vault.Confidential)
	}
	if collectErr != nil {
		f.logger.Error("Access request failed", zap.String("request_id", id), zap.Error(collectErr))
		if err := f.finish(ctx, req, StatusRejected, "user data could not be collected"); err != nil {
			return nil, err
		}
		return &AccessResult{Request: req.clone()}, nil
	}

	req.Checks.DataExported = true
	if err := f.finish(ctx, req, StatusCompleted, ""); err != nil {
		return nil, err
	}
	f.bookkeeping(ctx, req.UserID, "subject_access_fulfilled", "data_subject_request", map[string]any{
		"request_id": id, "sources": len(export.Sources),
	})
	return &AccessResult{Request: req.clone(), Export: sealed}, nil
}

// ErasureResult is the outcome of ProcessErasureRequest.
type ErasureResult struct {
	Success bool                `json:"success"`
	Request *DataSubjectRequest `json:"request"`
	Reason  string              `json:"reason,omitempty"`
}

// ProcessErasureRequest erases the user's data from every registered source
// unless a category associated with the user is under legal hold, in which
// case the request is rejected and nothing is touched.
func (f *Framework) ProcessErasureRequest(ctx context.Context, id string) (*ErasureResult, error) {
	unlock := f.requestLocks.Lock(id)
	defer unlock()

	req, err := f.beginProcessing(ctx, id, RequestErasure)
	if err != nil {
		return nil, err
	}

	cats, err := f.associatedCategories(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	req.Checks.LegalHoldChecked = true
	for _, c := range cats {
		if f.retention.held(c) {
			req.Checks.HeldCategories = append(req.Checks.HeldCategories, c)
		}
	}
	if len(req.Checks.HeldCategories) > 0 {
		reason := fmt.Sprintf("erasure blocked by legal hold on %v", req.Checks.HeldCategories)
		if err := f.finish(ctx, req, StatusRejected, reason); err != nil {
			return nil, err
		}
		f.logger.Info("Erasure request rejected", zap.String("request_id", id), zap.String("reason", reason))
		return &ErasureResult{Request: req.clone(), Reason: reason}, nil
	}

	var eraseErr error
	for _, rs := range f.registered() {
		if err := rs.source.EraseUserData(ctx, req.UserID); err != nil {
			eraseErr = errors.Join(eraseErr, fmt.Errorf("%s: %w", rs.source.Name(), err))
		}
	}
	if eraseErr != nil {
		f.logger.Error("Erasure request failed", zap.String("request_id", id), zap.Error(eraseErr))
		reason := "user data could not be fully erased"
		if err := f.finish(ctx, req, StatusRejected, reason); err != nil {
			return nil, err
		}
		return &ErasureResult{Request: req.clone(), Reason: reason}, nil
	}

	req.Checks.DataDeleted = true
	if err := f.finish(ctx, req, StatusCompleted, ""); err != nil {
		return nil, err
	}
	f.bookkeeping(ctx, req.UserID, "subject_erasure_completed", "data_subject_request", map[string]any{
		"request_id": id, "categories": cats,
	})
	return &ErasureResult{Success: true, Request: req.clone()}, nil
}

// associatedCategories are the categories of the user's audit entries plus
// those of every registered data source.
func (f *Framework) associatedCategories(ctx context.Context, userID string) ([]Category, error) {
	seen := map[Category]bool{}
	entries, err := f.store.Entries(ctx, EntryFilter{UserID: userID, IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seen[e.Category] = true
	}
	for _, rs := range f.registered() {
		seen[rs.category] = true
	}
	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RetentionResult summarises one ApplyRetention pass.
type RetentionResult struct {
	Archived          int        `json:"archived"`
	Deleted           int        `json:"deleted"`
	DeletionsExecuted int        `json:"deletions_executed"`
	Held              []Category `json:"held,omitempty"`
}

// ApplyRetention archives and deletes audit entries per category policy and
// runs scheduled deletions that have come due. Nothing under legal hold is
// deleted.
func (f *Framework) ApplyRetention(ctx context.Context, now time.Time) (*RetentionResult, error) {
	res := &RetentionResult{}
	policies := f.retention.all()
	for _, cat := range Categories {
		p, ok := policies[cat]
		if !ok {
			continue
		}
		n, err := f.store.ArchiveEntries(ctx, cat, now.Add(-p.ArchiveAfter))
		if err != nil {
			return res, err
		}
		res.Archived += n
		if p.LegalHold {
			res.Held = append(res.Held, cat)
			continue
		}
		n, err = f.store.DeleteEntries(ctx, cat, now.Add(-p.DeleteAfter))
		if err != nil {
			return res, err
		}
		res.Deleted += n
	}

	due, err := f.store.DeletionsDue(ctx, now)
	if err != nil {
		return res, err
	}
	for _, d := range due {
		if f.retention.held(d.Category) {
			continue
		}
		var eraseErr error
		for _, rs := range f.registered() {
			if rs.category != d.Category {
				continue
			}
			if err := rs.source.EraseUserData(ctx, d.UserID); err != nil {
				eraseErr = errors.Join(eraseErr, err)
			}
		}
		if eraseErr != nil {
			f.logger.Error("Scheduled deletion failed",
				zap.String("deletion_id", d.ID),
				zap.String("user_id", d.UserID),
				zap.Error(eraseErr),
			)
			continue
		}
		at := now.UTC()
		d.Status = DeletionExecuted
		d.ExecutedAt = &at
		if err := f.store.PutDeletion(ctx, d); err != nil {
			return res, err
		}
		res.DeletionsExecuted++
	}

	f.logger.Info("Retention applied",
		zap.Int("archived", res.Archived),
		zap.Int("deleted", res.Deleted),
		zap.Int("deletions_executed", res.DeletionsExecuted),
	)
	return res, nil
}

// bookkeeping logs the framework's own activity. Failures are only logged.
func (f *Framework) bookkeeping(ctx context.Context, userID, action, dataType string, details map[string]any) {
	_, err := f.LogProcessing(ctx, ProcessingRecord{
		UserID:   userID,
		Action:   action,
		Category: CategorySystem,
		DataType: dataType,
		Purpose:  "compliance record keeping",
		Basis:    BasisLegalObligation,
		Details:  details,
	})
	if err != nil {
		f.logger.Error("Failed to log compliance activity", zap.String("action", action), zap.Error(err))
	}
}
