// Package compliance keeps the append-only processing log, per-category
// retention policies, consent records and the data-subject-request workflow.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidCategory    = errors.New("unknown data category")
	ErrInvalidBasis       = errors.New("unknown lawful basis")
	ErrInvalidRetention   = errors.New("invalid retention policy")
	ErrNotConsentOwner    = errors.New("consent can only be withdrawn by the consenting user")
	ErrAlreadyWithdrawn   = errors.New("consent already withdrawn")
	ErrInvalidRequestType = errors.New("unknown data subject request type")
	ErrWrongRequestType   = errors.New("request type does not match the operation")
	ErrNotVerified        = errors.New("request has not been verified")
	ErrInvalidTransition  = errors.New("invalid request state transition")
)

// Category is a class of processed data.
type Category string

const (
	CategoryPersonal      Category = "personal"
	CategoryTactical      Category = "tactical"
	CategoryFinancial     Category = "financial"
	CategoryMedical       Category = "medical"
	CategoryCommunication Category = "communication"
	CategorySystem        Category = "system"
)

// Categories lists every data category.
var Categories = []Category{
	CategoryPersonal, CategoryTactical, CategoryFinancial,
	CategoryMedical, CategoryCommunication, CategorySystem,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Sensitive reports whether entries in c must be encrypted.
func (c Category) Sensitive() bool {
	switch c {
	case CategoryPersonal, CategoryFinancial, CategoryMedical, CategoryCommunication:
		return true
	}
	return false
}

// Basis is the lawful basis for processing.
type Basis string

const (
	BasisConsent             Basis = "consent"
	BasisContract            Basis = "contract"
	BasisLegalObligation     Basis = "legal_obligation"
	BasisVitalInterests      Basis = "vital_interests"
	BasisPublicTask          Basis = "public_task"
	BasisLegitimateInterests Basis = "legitimate_interests"
)

// Valid reports whether b is a recognised lawful basis.
func (b Basis) Valid() bool {
	switch b {
	case BasisConsent, BasisContract, BasisLegalObligation,
		BasisVitalInterests, BasisPublicTask, BasisLegitimateInterests:
		return true
	}
	return false
}

// Violation kinds recorded on audit entries.
const (
	ViolationRetentionExpired   = "retention_expired"
	ViolationEncryptionRequired = "encryption_required"
	ViolationInvalidBasis       = "invalid_lawful_basis"
	ViolationMissingConsent     = "missing_consent"
)

// RetentionPolicy governs how long data of one category is kept.
type RetentionPolicy struct {
	Category        Category      `json:"category" yaml:"-"`
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`
	ArchiveAfter    time.Duration `json:"archive_after" yaml:"archive_after"`
	DeleteAfter     time.Duration `json:"delete_after" yaml:"delete_after"`
	LegalHold       bool          `json:"legal_hold" yaml:"legal_hold"`
	Reason          string        `json:"reason,omitempty" yaml:"reason"`
}

// ProcessingRecord describes one processing activity to be logged.
type ProcessingRecord struct {
	// Framework overrides the framework configured on the Framework.
	Framework       string
	UserID          string
	Action          string
	Category        Category
	DataType        string
	Purpose         string
	Basis           Basis
	Encrypted       bool
	StorageLocation string
	Details         map[string]any
	IP              string
	UserAgent       string
	// DataCreatedAt, when set, is checked against the retention period.
	DataCreatedAt time.Time
}

// AuditEntry is an immutable processing-log entry.
type AuditEntry struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Framework       string          `json:"framework"`
	UserID          string          `json:"user_id,omitempty"`
	Action          string          `json:"action"`
	Category        Category        `json:"category"`
	DataType        string          `json:"data_type"`
	Basis           Basis           `json:"lawful_basis"`
	Purpose         string          `json:"purpose"`
	Retention       RetentionPolicy `json:"retention"`
	Encrypted       bool            `json:"encrypted"`
	StorageLocation string          `json:"storage_location,omitempty"`
	Details         map[string]any  `json:"details,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Violations      []string        `json:"violations,omitempty"`
}

func (e *AuditEntry) clone() *AuditEntry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	c.Violations = append([]string(nil), e.Violations...)
	return &c
}

// EntryFilter selects audit entries. Zero fields match everything.
type EntryFilter struct {
	UserID          string
	Category        Category
	Framework       string
	Since           time.Time
	Until           time.Time
	IncludeArchived bool
}

func (f EntryFilter) match(e *AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Framework != "" && e.Framework != f.Framework {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// ConsentInput captures a consent decision.
type ConsentInput struct {
	UserID     string
	Purpose    string
	Categories []Category
	Basis      Basis
	Granted    bool
	IP         string
	UserAgent  string
}

// ConsentRecord is a stored consent decision. Only the withdrawal fields
// change after creation.
type ConsentRecord struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Purpose          string     `json:"purpose"`
	Categories       []Category `json:"categories"`
	Basis            Basis      `json:"lawful_basis"`
	Granted          bool       `json:"granted"`
	Timestamp        time.Time  `json:"timestamp"`
	Version          int        `json:"version"`
	WithdrawnAt      *time.Time `json:"withdrawn_at,omitempty"`
	WithdrawalReason string     `json:"withdrawal_reason,omitempty"`
	IP               string     `json:"ip,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
}

// Active reports whether the consent is granted and not withdrawn.
func (c *ConsentRecord) Active() bool { return c.Granted && c.WithdrawnAt == nil }

func (c *ConsentRecord) covers(cat Category) bool {
	for _, k := range c.Categories {
		if k == cat {
			return true
		}
	}
	return false
}

func (c *ConsentRecord) clone() *ConsentRecord {
	out := *c
	out.Categories = append([]Category(nil), c.Categories...)
	if c.WithdrawnAt != nil {
		t := *c.WithdrawnAt
		out.WithdrawnAt = &t
	}
	return &out
}

// RequestType is a data-subject right.
type RequestType string

const (
	RequestAccess          RequestType = "access"
	RequestRectification   RequestType = "rectification"
	RequestErasure         RequestType = "erasure"
	RequestRestrict        RequestType = "restrict"
	RequestPortability     RequestType = "portability"
	RequestObject          RequestType = "object"
	RequestWithdrawConsent RequestType = "withdraw_consent"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestAccess, RequestRectification, RequestErasure, RequestRestrict,
		RequestPortability, RequestObject, RequestWithdrawConsent:
		return true
	}
	return false
}

// RequestStatus is the state of a data subject request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusRejected   RequestStatus = "rejected"
)

var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusProcessing, StatusRejected},
	StatusProcessing: {StatusCompleted, StatusRejected},
}

// Verification records how the requester's identity was checked.
type Verification struct {
	Method     string     `json:"method"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Checks records what processing established.
type Checks struct {
	LegalHoldChecked bool       `json:"legal_hold_checked"`
	HeldCategories   []Category `json:"held_categories,omitempty"`
	DataExported     bool       `json:"data_exported"`
	DataDeleted      bool       `json:"data_deleted"`
}

// DataSubjectRequest is a user's exercise of a data-protection right.
type DataSubjectRequest struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Type         RequestType   `json:"request_type"`
	RequestedAt  time.Time     `json:"requested_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
	ProcessedBy  string        `json:"processed_by,omitempty"`
	Status       RequestStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Verification Verification  `json:"verification"`
	Checks       Checks        `json:"checks"`
}

// transition moves the request to status, refusing anything the state
// machine does not allow. Completed and rejected are terminal.
func (r *DataSubjectRequest) transition(to RequestStatus) error {
	for _, s := range transitions[r.Status] {
		if s == to {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

func (r *DataSubjectRequest) clone() *DataSubjectRequest {
	c := *r
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	if r.Verification.VerifiedAt != nil {
		t := *r.Verification.VerifiedAt
		c.Verification.VerifiedAt = &t
	}
	c.Checks.HeldCategories = append([]Category(nil), r.Checks.HeldCategories...)
	return &c
}

// Deletion states.
const (
	DeletionScheduled = "scheduled"
	DeletionExecuted  = "executed"
	DeletionCancelled = "cancelled"
)

// ScheduledDeletion is a category-wide deletion for one user, queued by a
// consent withdrawal.
type ScheduledDeletion struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Category     Category   `json:"category"`
	Reason       string     `json:"reason"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// DataSource is a component holding user data that subject requests reach.
type DataSource interface {
	Name() string
	CollectUserData(ctx context.Context, userID string) (any, error)
	EraseUserData(ctx context.Context, userID string) error
}

// Verifier checks a requester's identity.
type Verifier interface {
	Verify(ctx context.Context, userID, method string) (bool, error)
}

// AcceptVerifier accepts every request.
type AcceptVerifier struct{}

func (AcceptVerifier) Verify(context.Context, string, string) (bool, error) { return true, nil }
