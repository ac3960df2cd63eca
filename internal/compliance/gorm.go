package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type auditEntryRow struct {
	ID              string          `gorm:"primaryKey;size:36"`
	Timestamp       time.Time       `gorm:"index;not null"`
	Framework       string          `gorm:"index;size:32"`
	UserID          string          `gorm:"index;size:64"`
	Action          string          `gorm:"size:64;not null"`
	Category        string          `gorm:"index;size:32;not null"`
	DataType        string          `gorm:"size:64"`
	Basis           string          `gorm:"size:32"`
	Purpose         string          `gorm:"size:255"`
	Retention       RetentionPolicy `gorm:"serializer:json;type:jsonb"`
	Encrypted       bool
	StorageLocation string         `gorm:"size:128"`
	Details         map[string]any `gorm:"serializer:json;type:jsonb"`
	IP              string         `gorm:"size:64"`
	UserAgent       string         `gorm:"size:255"`
	Violations      []string       `gorm:"serializer:json;type:jsonb"`
	ArchivedAt      *time.Time     `gorm:"index"`
}

func (auditEntryRow) TableName() string { return "compliance_audit_entries" }

type consentRow struct {
	ID               string     `gorm:"primaryKey;size:36"`
	UserID           string     `gorm:"index;size:64;not null"`
	Purpose          string     `gorm:"size:255"`
	Categories       []Category `gorm:"serializer:json;type:jsonb"`
	Basis            string     `gorm:"size:32"`
	Granted          bool
	Timestamp        time.Time
	Version          int
	WithdrawnAt      *time.Time
	WithdrawalReason string `gorm:"size:255"`
	IP               string `gorm:"size:64"`
	UserAgent        string `gorm:"size:255"`
}

func (consentRow) TableName() string { return "compliance_consents" }

type requestRow struct {
	ID           string       `gorm:"primaryKey;size:36"`
	UserID       string       `gorm:"index;size:64;not null"`
	Type         string       `gorm:"size:32"`
	RequestedAt  time.Time    `gorm:"index"`
	ProcessedAt  *time.Time
	ProcessedBy  string       `gorm:"size:64"`
	Status       string       `gorm:"index;size:16"`
	Reason       string       `gorm:"size:255"`
	Verification Verification `gorm:"serializer:json;type:jsonb"`
	Checks       Checks       `gorm:"serializer:json;type:jsonb"`
}

func (requestRow) TableName() string { return "compliance_subject_requests" }

type deletionRow struct {
	ID           string    `gorm:"primaryKey;size:36"`
	UserID       string    `gorm:"index;size:64"`
	Category     string    `gorm:"size:32"`
	Reason       string    `gorm:"size:255"`
	ScheduledFor time.Time `gorm:"index"`
	Status       string    `gorm:"index;size:16"`
	ExecutedAt   *time.Time
}

func (deletionRow) TableName() string { return "compliance_scheduled_deletions" }

// GormStore persists compliance records in Postgres through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn with UTC timestamps and a silent GORM logger.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewGormStore wraps db and migrates the compliance tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&auditEntryRow{}, &consentRow{}, &requestRow{}, &deletionRow{}); err != nil {
		return nil, fmt.Errorf("migrating compliance tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	row := auditEntryRow{
		ID: e.ID, Timestamp: e.Timestamp, Framework: e.Framework, UserID: e.UserID,
		Action: e.Action, Category: string(e.Category), DataType: e.DataType,
		Basis: string(e.Basis), Purpose: e.Purpose, Retention: e.Retention,
		Encrypted: e.Encrypted, StorageLocation: e.StorageLocation, Details: e.Details,
		IP: e.IP, UserAgent: e.UserAgent, Violations: e.Violations,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (s *GormStore) Entries(ctx context.Context, f EntryFilter) ([]*AuditEntry, error) {
	q := s.db.WithContext(ctx).Model(&auditEntryRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Category != "" {
		q = q.Where("category = ?", string(f.Category))
	}
	if f.Framework != "" {
		q = q.Where("framework = ?", f.Framework)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until)
	}
	if !f.IncludeArchived {
		q = q.Where("archived_at IS NULL")
	}

	var rows []auditEntryRow
	if err := q.Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	out := make([]*AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &AuditEntry{
			ID: r.ID, Timestamp: r.Timestamp, Framework: r.Framework, UserID: r.UserID,
			Action: r.Action, Category: Category(r.Category), DataType: r.DataType,
			Basis: Basis(r.Basis), Purpose: r.Purpose, Retention: r.Retention,
			Encrypted: r.Encrypted, StorageLocation: r.StorageLocation, Details: r.Details,
			IP: r.IP, UserAgent: r.UserAgent, Violations: r.Violations,
		})
	}
	return out, nil
}

func (s *GormStore) ArchiveEntries(ctx context.Context, cat Category, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&auditEntryRow{}).
		Where("category = ? AND timestamp < ? AND archived_at IS NULL", string(cat), before).
		Update("archived_at", time.Now().UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("archiving %s entries: %w", cat, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) DeleteEntries(ctx context.Context, cat Category, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("category = ? AND timestamp < ?", string(cat), before).
		Delete(&auditEntryRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting %s entries: %w", cat, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) PutConsent(ctx context.Context, c *ConsentRecord) error {
	row := consentRow{
		ID: c.ID, UserID: c.UserID, Purpose: c.Purpose, Categories: c.Categories,
		Basis: string(c.Basis), Granted: c.Granted, Timestamp: c.Timestamp, Version: c.Version,
		WithdrawnAt: c.WithdrawnAt, WithdrawalReason: c.WithdrawalReason,
		IP: c.IP, UserAgent: c.UserAgent,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving consent: %w", err)
	}
	return nil
}

func consentFromRow(r consentRow) *ConsentRecord {
	return &ConsentRecord{
		ID: r.ID, UserID: r.UserID, Purpose: r.Purpose, Categories: r.Categories,
		Basis: Basis(r.Basis), Granted: r.Granted, Timestamp: r.Timestamp, Version: r.Version,
		WithdrawnAt: r.WithdrawnAt, WithdrawalReason: r.WithdrawalReason,
		IP: r.IP, UserAgent: r.UserAgent,
	}
}

func (s *GormStore) GetConsent(ctx context.Context, id string) (*ConsentRecord, error) {
	var row consentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: consent %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading consent: %w", err)
	}
	return consentFromRow(row), nil
}

func (s *GormStore) ConsentsByUser(ctx context.Context, userID string) ([]*ConsentRecord, error) {
	var rows []consentRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing consents: %w", err)
	}
	out := make([]*ConsentRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, consentFromRow(r))
	}
	return out, nil
}

func (s *GormStore) PutRequest(ctx context.Context, r *DataSubjectRequest) error {
	row := requestRow{
		ID: r.ID, UserID: r.UserID, Type: string(r.Type), RequestedAt: r.RequestedAt,
		ProcessedAt: r.ProcessedAt, ProcessedBy: r.ProcessedBy, Status: string(r.Status),
		Reason: r.Reason, Verification: r.Verification, Checks: r.Checks,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving subject request: %w", err)
	}
	return nil
}

func requestFromRow(r requestRow) *DataSubjectRequest {
	return &DataSubjectRequest{
		ID: r.ID, UserID: r.UserID, Type: RequestType(r.Type), RequestedAt: r.RequestedAt,
		ProcessedAt: r.ProcessedAt, ProcessedBy: r.ProcessedBy, Status: RequestStatus(r.Status),
		Reason: r.Reason, Verification: r.Verification, Checks: r.Checks,
	}
}

func (s *GormStore) GetRequest(ctx context.Context, id string) (*DataSubjectRequest, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading subject request: %w", err)
	}
	return requestFromRow(row), nil
}

func (s *GormStore) Requests(ctx context.Context) ([]*DataSubjectRequest, error) {
	var rows []requestRow
	if err := s.db.WithContext(ctx).Order("requested_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing subject requests: %w", err)
	}
	out := make([]*DataSubjectRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, requestFromRow(r))
	}
	return out, nil
}

func (s *GormStore) PutDeletion(ctx context.Context, d *ScheduledDeletion) error {
	row := deletionRow{
		ID: d.ID, UserID: d.UserID, Category: string(d.Category), Reason: d.Reason,
		ScheduledFor: d.ScheduledFor, Status: d.Status, ExecutedAt: d.ExecutedAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving scheduled deletion: %w", err)
	}
	return nil
}

func (s *GormStore) DeletionsDue(ctx context.Context, now time.Time) ([]*ScheduledDeletion, error) {
	var rows []deletionRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", DeletionScheduled, now).
		Order("scheduled_for asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing due deletions: %w", err)
	}
	out := make([]*ScheduledDeletion, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ScheduledDeletion{
			ID: r.ID, UserID: r.UserID, Category: Category(r.Category), Reason: r.Reason,
			ScheduledFor: r.ScheduledFor, Status: r.Status, ExecutedAt: r.ExecutedAt,
		})
	}
	return out, nil
}
