// Package orchestrator runs every sensitive tactics-board operation through
// the security pipeline: block-lists, threat analysis, session validation,
// authorization, input validation, execution and compliance logging.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/observability"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("orchestrator dependency missing")

// Messages returned to callers. Detection detail stays in threat events and
// audit entries.
const (
	MsgBlocked     = "blocked for security reasons"
	MsgSession     = "session is not valid"
	MsgForbidden   = "insufficient permissions"
	MsgNotFound    = "formation not found"
	MsgInvalid     = "invalid formation data"
	MsgFailed      = "operation failed"
	MsgUnsupported = "unsupported operation"
	MsgAuthFailed  = "authentication failed"
	MsgAuditQueued = "compliance log deferred for retry"
)

// Kind is a secured operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindRead   Kind = "read"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindShare  Kind = "share"
	KindExport Kind = "export"
	KindImport Kind = "import"
)

var requiredPermission = map[Kind]string{
	KindCreate: "create-formations",
	KindRead:   "view-formations",
	KindUpdate: "edit-formations",
	KindDelete: "delete-formations",
	KindShare:  "share-formations",
	KindExport: "export-formations",
	KindImport: "import-formations",
}

var kindMethod = map[Kind]string{
	KindCreate: "POST",
	KindRead:   "GET",
	KindUpdate: "PUT",
	KindDelete: "DELETE",
	KindShare:  "POST",
	KindExport: "GET",
	KindImport: "POST",
}

// Permission returns the permission an operation kind requires.
func Permission(k Kind) (string, bool) {
	p, ok := requiredPermission[k]
	return p, ok
}

// Compliance check names recorded on results.
const (
	CheckThreatAnalysis = "threat_analysis"
	CheckSession        = "session_valid"
	CheckAuthorization  = "authorized"
	CheckInput          = "input_valid"
	CheckAudit          = "audit_logged"
)

// SecurityContext describes the caller of one operation. It is built by the
// caller and only read by the pipeline.
type SecurityContext struct {
	UserID      string            `json:"user_id"`
	Role        string            `json:"role,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"user_agent,omitempty"`
	TeamID      string            `json:"team_id,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	RiskScore   float64           `json:"risk_score"`
	Location    string            `json:"location,omitempty"`
	Device      string            `json:"device,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (sc SecurityContext) actor() formation.Actor {
	return formation.Actor{
		UserID:      sc.UserID,
		TeamID:      sc.TeamID,
		Role:        sc.Role,
		Permissions: sc.Permissions,
	}
}

// Payload is the input of PerformOperation. Which fields matter depends on
// the kind: Document for create, update and import; FormationID for read,
// update, delete, share and export.
type Payload struct {
	FormationID string         `json:"formation_id,omitempty"`
	Document    map[string]any `json:"document,omitempty"`
	ShareWith   []string       `json:"share_with,omitempty"`

	Export files.ExportOptions `json:"-"`

	// Category, Purpose and Basis describe the processing for the audit
	// entry. Zero values fall back to the configured defaults.
	Category compliance.Category `json:"-"`
	Purpose  string              `json:"-"`
	Basis    compliance.Basis    `json:"-"`
}

// Result is the outcome of a secured operation. Data is nil unless Success.
type Result struct {
	Success          bool            `json:"success"`
	Data             any             `json:"data,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	SecurityFlags    []string        `json:"security_flags,omitempty"`
	ComplianceChecks map[string]bool `json:"compliance_checks"`
	ThreatLevel      threat.Level    `json:"threat_level,omitempty"`
	OperationID      string          `json:"operation_id"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (r *Result) flag(f string) {
	for _, x := range r.SecurityFlags {
		if x == f {
			return
		}
	}
	r.SecurityFlags = append(r.SecurityFlags, f)
}

// Operations executes formation operations once the pipeline has cleared
// them. formation.Service satisfies it.
type Operations interface {
	Create(ctx context.Context, actor formation.Actor, doc map[string]any) (*formation.Formation, error)
	Read(ctx context.Context, actor formation.Actor, id string) (*formation.Formation, error)
	Update(ctx context.Context, actor formation.Actor, id string, doc map[string]any) (*formation.Formation, error)
	Delete(ctx context.Context, actor formation.Actor, id string) error
	Share(ctx context.Context, actor formation.Actor, id string, userIDs []string) (*formation.Formation, error)
	Import(ctx context.Context, actor formation.Actor, f *formation.Formation) (*formation.Formation, error)
}

// SessionLayer validates sessions and checks credentials.
type SessionLayer interface {
	ValidateSession(ctx context.Context, sessionID, ip string) (session.Validation, error)
	Authenticate(ctx context.Context, creds session.Credentials) (*session.AuthResult, error)
}

// AuditLog records processing activity. compliance.Framework satisfies it.
type AuditLog interface {
	LogProcessing(ctx context.Context, rec compliance.ProcessingRecord) (*compliance.AuditEntry, error)
	Score(ctx context.Context) (float64, error)
}

// Config holds orchestrator settings.
type Config struct {
	DefaultCategory compliance.Category `yaml:"default_category"`
	DefaultBasis    compliance.Basis    `yaml:"default_basis"`
	DefaultPurpose  string              `yaml:"default_purpose"`
	// MaxPendingLogs bounds the audit retry queue; the oldest record is
	// dropped when it is full.
	MaxPendingLogs int `yaml:"max_pending_logs"`
	RecentEvents   int `yaml:"recent_events"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCategory: compliance.CategoryTactical,
		DefaultBasis:    compliance.BasisContract,
		DefaultPurpose:  "tactics board service",
		MaxPendingLogs:  10000,
		RecentEvents:    10,
	}
}

// Dependencies are the collaborators the orchestrator coordinates. Files and
// Telemetry are optional.
type Dependencies struct {
	Threats   *threat.Engine
	Sessions  SessionLayer
	Ops       Operations
	Validator *formation.Validator
	Audit     AuditLog
	Files     *files.Handler
	Telemetry *observability.Telemetry
}

// Orchestrator is the single entry point for secured operations.
type Orchestrator struct {
	config    Config
	threats   *threat.Engine
	sessions  SessionLayer
	ops       Operations
	validator *formation.Validator
	audit     AuditLog
	files     *files.Handler
	telemetry *observability.Telemetry
	logger    *zap.Logger
	now       func() time.Time

	pendingMu sync.Mutex
	pending   []compliance.ProcessingRecord

	blocked atomic.Int64
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Threats == nil:
		return nil, fmt.Errorf("%w: threat engine", ErrMissingDependency)
	case deps.Sessions == nil:
		return nil, fmt.Errorf("%w: session layer", ErrMissingDependency)
	case deps.Ops == nil:
		return nil, fmt.Errorf("%w: formation operations", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: formation validator", ErrMissingDependency)
	case deps.Audit == nil:
		return nil, fmt.Errorf("%w: audit log", ErrMissingDependency)
	}

	def := DefaultConfig()
	if !cfg.DefaultCategory.Valid() {
		cfg.DefaultCategory = def.DefaultCategory
	}
	if !cfg.DefaultBasis.Valid() {
		cfg.DefaultBasis = def.DefaultBasis
	}
	if cfg.DefaultPurpose == "" {
		cfg.DefaultPurpose = def.DefaultPurpose
	}
	if cfg.MaxPendingLogs <= 0 {
		cfg.MaxPendingLogs = def.MaxPendingLogs
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = def.RecentEvents
	}

	return &Orchestrator{
		config:    cfg,
		threats:   deps.Threats,
		sessions:  deps.Sessions,
		ops:       deps.Ops,
		validator: deps.Validator,
		audit:     deps.Audit,
		files:     deps.Files,
		telemetry: deps.Telemetry,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// run carries one call through the pipeline.
type run struct {
	o     *Orchestrator
	span  trace.Span
	kind  string
	start time.Time
	res   *Result
}

func (o *Orchestrator) begin(ctx context.Context, name, kind string, sc SecurityContext) (context.Context, *run) {
	ctx, span := o.telemetry.StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("operation.kind", kind),
		attribute.String("user.id", sc.UserID),
		attribute.String("client.ip", sc.IP),
	))
	now := o.now().UTC()
	r := &run{
		o:     o,
		span:  span,
		kind:  kind,
		start: now,
		res: &Result{
			ComplianceChecks: make(map[string]bool),
			OperationID:      uuid.New().String(),
			Timestamp:        now,
		},
	}
	span.SetAttributes(attribute.String("operation.id", r.res.OperationID))
	return ctx, r
}

func (r *run) stage(name string) {
	r.span.AddEvent(name)
}

// fail ends the run unsuccessfully. stage names the pipeline stage for the
// blocked-requests metric; it is empty for execution failures.
func (r *run) fail(stage string, msgs ...string) *Result {
	r.res.Success = false
	r.res.Data = nil
	r.res.Errors = append(r.res.Errors, msgs...)
	if stage != "" {
		r.o.telemetry.RecordBlocked(stage)
	}
	r.span.SetStatus(codes.Error, strings.Join(msgs, "; "))
	return r.finish("failure")
}

func (r *run) succeed(data any) *Result {
	r.res.Success = true
	r.res.Data = data
	r.span.SetStatus(codes.Ok, "")
	return r.finish("success")
}

func (r *run) finish(outcome string) *Result {
	r.span.SetAttributes(
		attribute.Bool("operation.success", r.res.Success),
		attribute.String("threat.level", string(r.res.ThreatLevel)),
	)
	r.span.End()
	r.o.telemetry.RecordOperation(r.kind, outcome, r.o.now().UTC().Sub(r.start))
	return r.res
}

// PerformOperation runs kind through the full pipeline. It never returns
// an error; failures are reported on the result with coarse messages.
func (o *Orchestrator) PerformOperation(ctx context.Context, kind Kind, p Payload, sc SecurityContext) *Result {
	ctx, r := o.begin(ctx, "orchestrator.PerformOperation", string(kind), sc)

	perm, ok := requiredPermission[kind]
	if !ok {
		return r.fail("", MsgUnsupported)
	}

	rc := o.requestContext(sc, kindMethod[kind], "/formations/"+string(kind), payloadText(p), 0)
	if !o.guard(ctx, r, rc, sc, perm) {
		return r.res
	}

	if kind == KindCreate || kind == KindUpdate || kind == KindImport {
		r.stage("input_validation")
		doc, warnings, errs := o.validate(p.Document)
		r.res.Warnings = append(r.res.Warnings, warnings...)
		if len(errs) > 0 {
			r.res.ComplianceChecks[CheckInput] = false
			return r.fail("validation", errs...)
		}
		r.res.ComplianceChecks[CheckInput] = true
		p.Document = doc
	}

	r.stage("execution")
	data, formationID, err := o.execute(ctx, kind, p, sc)
	if err != nil {
		o.logger.Warn("Operation failed",
			zap.String("operation_id", r.res.OperationID),
			zap.String("kind", string(kind)),
			zap.String("user_id", sc.UserID),
			zap.Error(err),
		)
		return r.fail("", executionMessage(err))
	}

	r.stage("compliance_logging")
	encrypted := true
	if kind == KindExport {
		encrypted = p.Export.Password != ""
	}
	o.logCompliance(ctx, r, compliance.ProcessingRecord{
		UserID:          sc.UserID,
		Action:          "formation_" + string(kind),
		Category:        o.category(p.Category),
		DataType:        "formation",
		Purpose:         o.purpose(p.Purpose),
		Basis:           o.basis(p.Basis),
		Encrypted:       encrypted,
		StorageLocation: "formation_store",
		Details: map[string]any{
			"operation_id": r.res.OperationID,
			"formation_id": formationID,
			"threat_level": string(r.res.ThreatLevel),
		},
		IP:        sc.IP,
		UserAgent: sc.UserAgent,
	})

	return r.succeed(data)
}

// guard runs the block-list, threat, session and authorization stages. It
// returns false when the run has already been failed.
func (o *Orchestrator) guard(ctx context.Context, r *run, rc threat.RequestContext, sc SecurityContext, perm string) bool {
	r.stage("blocklist_check")
	if flag := o.blocklisted(ctx, sc); flag != "" {
		r.res.flag(flag)
		o.blocked.Add(1)
		r.fail("blocklist", MsgBlocked)
		return false
	}

	r.stage("threat_analysis")
	if !o.analyze(ctx, r, rc) {
		o.blocked.Add(1)
		r.fail("threat", MsgBlocked)
		return false
	}

	if sc.SessionID != "" {
		r.stage("session_validation")
		if !o.validateSession(ctx, r, sc) {
			r.fail("session", MsgSession)
			return false
		}
	}

	r.stage("authorization")
	if !authorized(sc.actor(), perm) {
		r.res.ComplianceChecks[CheckAuthorization] = false
		o.logger.Info("Operation denied",
			zap.String("operation_id", r.res.OperationID),
			zap.String("user_id", sc.UserID),
			zap.String("permission", perm),
		)
		r.fail("authorization", MsgForbidden)
		return false
	}
	r.res.ComplianceChecks[CheckAuthorization] = true
	return true
}

func (o *Orchestrator) blocklisted(ctx context.Context, sc SecurityContext) string {
	if sc.IP != "" {
		blocked, err := o.threats.IsIPBlocked(ctx, sc.IP)
		if err != nil {
			o.logger.Warn("IP block-list check failed", zap.String("ip", sc.IP), zap.Error(err))
		} else if blocked {
			return "ip_blocked"
		}
	}
	if sc.UserID != "" {
		locked, err := o.threats.IsAccountLocked(ctx, sc.UserID)
		if err != nil {
			o.logger.Warn("Account lock check failed", zap.String("user_id", sc.UserID), zap.Error(err))
		} else if locked {
			return "account_locked"
		}
	}
	return ""
}

// analyze runs the threat engine and reports whether the run may continue.
func (o *Orchestrator) analyze(ctx context.Context, r *run, rc threat.RequestContext) bool {
	events := o.threats.Analyze(ctx, rc)
	allowed := true
	for _, ev := range events {
		r.res.ThreatLevel = threat.Max(r.res.ThreatLevel, ev.Level)
		o.telemetry.RecordThreat(string(ev.Type), string(ev.Level))
		if ev.Level.Blocking() {
			r.res.flag("threat_detected:" + string(ev.Type))
			allowed = false
		}
	}
	r.res.ComplianceChecks[CheckThreatAnalysis] = allowed
	if !allowed {
		o.logger.Warn("Operation blocked by threat analysis",
			zap.String("operation_id", r.res.OperationID),
			zap.String("user_id", rc.UserID),
			zap.String("ip", rc.IP),
			zap.String("level", string(r.res.ThreatLevel)),
		)
	}
	return allowed
}

func (o *Orchestrator) validateSession(ctx context.Context, r *run, sc SecurityContext) bool {
	v, err := o.sessions.ValidateSession(ctx, sc.SessionID, sc.IP)
	switch {
	case err != nil:
		o.logger.Warn("Session validation failed", zap.String("session_id", sc.SessionID), zap.Error(err))
		v.Valid = false
	case v.Valid && v.UserID != "" && sc.UserID != "" && v.UserID != sc.UserID:
		o.logger.Warn("Session belongs to another user",
			zap.String("session_id", sc.SessionID),
			zap.String("user_id", sc.UserID),
		)
		v.Valid = false
	}
	r.res.ComplianceChecks[CheckSession] = v.Valid
	if !v.Valid {
		return false
	}
	for _, f := range v.Flags {
		r.res.Warnings = append(r.res.Warnings, "session flag: "+f)
	}
	return true
}

// authorized accepts the exact permission, a wildcard, or any scoped
// variant such as export-formations:confidential.
func authorized(a formation.Actor, perm string) bool {
	if a.Can(perm) {
		return true
	}
	for _, p := range a.Permissions {
		if strings.HasPrefix(p, perm+":") {
			return true
		}
	}
	return false
}

// validate sanitizes doc and checks it against the formation schema.
func (o *Orchestrator) validate(doc map[string]any) (map[string]any, []string, []string) {
	if len(doc) == 0 {
		return nil, nil, []string{"formation document is required"}
	}
	clean, warnings := formation.Sanitize(doc)
	if errs := o.validator.Validate(clean); len(errs) > 0 {
		return nil, warnings, errs
	}
	return clean, warnings, nil
}

func (o *Orchestrator) execute(ctx context.Context, kind Kind, p Payload, sc SecurityContext) (any, string, error) {
	actor := sc.actor()
	switch kind {
	case KindCreate:
		f, err := o.ops.Create(ctx, actor, p.Document)
		if err != nil {
			return nil, "", err
		}
		return f, f.ID, nil
	case KindRead:
		f, err := o.ops.Read(ctx, actor, p.FormationID)
		if err != nil {
			return nil, p.FormationID, err
		}
		return f, f.ID, nil
	case KindUpdate:
		f, err := o.ops.Update(ctx, actor, p.FormationID, p.Document)
		if err != nil {
			return nil, p.FormationID, err
		}
		return f, f.ID, nil
	case KindDelete:
		if err := o.ops.Delete(ctx, actor, p.FormationID); err != nil {
			return nil, p.FormationID, err
		}
		return map[string]string{"id": p.FormationID, "status": "deleted"}, p.FormationID, nil
	case KindShare:
		f, err := o.ops.Share(ctx, actor, p.FormationID, p.ShareWith)
		if err != nil {
			return nil, p.FormationID, err
		}
		return f, f.ID, nil
	case KindExport:
		res, err := o.export(ctx, actor, p.FormationID, p.Export)
		return res, p.FormationID, err
	case KindImport:
		f, err := formation.FromDocument(p.Document)
		if err != nil {
			return nil, "", err
		}
		f.CreatedBy = sc.UserID
		f.TeamID = sc.TeamID
		f, err = o.ops.Import(ctx, actor, f)
		if err != nil {
			return nil, "", err
		}
		return f, f.ID, nil
	}
	return nil, "", fmt.Errorf("unsupported operation kind %q", kind)
}

// exportError carries the file handler's own messages, which are safe to
// show to the caller.
type exportError struct {
	msgs []string
}

func (e *exportError) Error() string {
	return "export failed: " + strings.Join(e.msgs, "; ")
}

func (o *Orchestrator) export(ctx context.Context, actor formation.Actor, id string, opts files.ExportOptions) (*files.ExportResult, error) {
	if o.files == nil {
		return nil, errors.New("file handler not configured")
	}
	f, err := o.ops.Read(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	res := o.files.Export(ctx, f, actor, opts)
	o.telemetry.RecordFileOperation(string(KindExport), outcome(res.Success))
	if !res.Success {
		return nil, &exportError{msgs: res.Errors}
	}
	return res, nil
}

func executionMessage(err error) string {
	var ee *exportError
	switch {
	case errors.As(err, &ee):
		return strings.Join(ee.msgs, "; ")
	case errors.Is(err, formation.ErrNotFound):
		return MsgNotFound
	case errors.Is(err, formation.ErrForbidden):
		return MsgForbidden
	case errors.Is(err, formation.ErrInvalid):
		return MsgInvalid
	}
	return MsgFailed
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (o *Orchestrator) requestContext(sc SecurityContext, method, path, payload string, size int64) threat.RequestContext {
	if size == 0 {
		size = int64(len(payload))
	}
	return threat.RequestContext{
		IP:          sc.IP,
		UserID:      sc.UserID,
		Role:        sc.Role,
		SessionID:   sc.SessionID,
		Path:        path,
		Method:      method,
		Payload:     payload,
		PayloadSize: size,
		Headers:     sc.Headers,
		UserAgent:   sc.UserAgent,
		Location:    sc.Location,
		Device:      sc.Device,
		Timestamp:   o.now().UTC(),
	}
}

// payloadText renders the payload for signature analysis. HTML escaping is
// off so markup reaches the analyzers as sent.
func payloadText(p Payload) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

func (o *Orchestrator) category(c compliance.Category) compliance.Category {
	if c.Valid() {
		return c
	}
	return o.config.DefaultCategory
}

func (o *Orchestrator) basis(b compliance.Basis) compliance.Basis {
	if b.Valid() {
		return b
	}
	return o.config.DefaultBasis
}

func (o *Orchestrator) purpose(p string) string {
	if p != "" {
		return p
	}
	return o.config.DefaultPurpose
}
