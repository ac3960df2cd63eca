package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/blocklist"
	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

type countingOps struct {
	*formation.Service
	mu    sync.Mutex
	calls int
}

func (c *countingOps) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingOps) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingOps) Create(ctx context.Context, a formation.Actor, doc map[string]any) (*formation.Formation, error) {
	c.hit()
	return c.Service.Create(ctx, a, doc)
}

func (c *countingOps) Read(ctx context.Context, a formation.Actor, id string) (*formation.Formation, error) {
	c.hit()
	return c.Service.Read(ctx, a, id)
}

func (c *countingOps) Update(ctx context.Context, a formation.Actor, id string, doc map[string]any) (*formation.Formation, error) {
	c.hit()
	return c.Service.Update(ctx, a, id, doc)
}

func (c *countingOps) Delete(ctx context.Context, a formation.Actor, id string) error {
	c.hit()
	return c.Service.Delete(ctx, a, id)
}

func (c *countingOps) Share(ctx context.Context, a formation.Actor, id string, users []string) (*formation.Formation, error) {
	c.hit()
	return c.Service.Share(ctx, a, id, users)
}

func (c *countingOps) Import(ctx context.Context, a formation.Actor, f *formation.Formation) (*formation.Formation, error) {
	c.hit()
	return c.Service.Import(ctx, a, f)
}

type countingSessions struct {
	*session.Manager
	mu        sync.Mutex
	authCalls int
}

func (c *countingSessions) Authenticate(ctx context.Context, creds session.Credentials) (*session.AuthResult, error) {
	c.mu.Lock()
	c.authCalls++
	c.mu.Unlock()
	return c.Manager.Authenticate(ctx, creds)
}

func (c *countingSessions) AuthCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authCalls
}

// flakyAudit fails every write while failing is set.
type flakyAudit struct {
	*compliance.Framework
	mu      sync.Mutex
	failing bool
}

func (f *flakyAudit) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyAudit) LogProcessing(ctx context.Context, rec compliance.ProcessingRecord) (*compliance.AuditEntry, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return nil, errors.New("audit store unavailable")
	}
	return f.Framework.LogProcessing(ctx, rec)
}

type testRig struct {
	orch     *Orchestrator
	engine   *threat.Engine
	blocks   *blocklist.MemoryStore
	sessions *countingSessions
	ops      *countingOps
	audit    *flakyAudit
	vault    *vault.Service
	coach    *session.User
}

const (
	coachPassword = "touchline-password"
	clientIP      = "10.1.2.3"
)

var coachPermissions = []string{
	"create-formations", "view-formations", "edit-formations", "delete-formations",
	"share-formations", "export-formations:*", "import-formations",
}

// baseTime is today at 14:00 UTC: inside working hours and within a day of
// the engine's own clock.
var baseTime = time.Now().UTC().Truncate(24 * time.Hour).Add(14 * time.Hour)

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	vcfg := vault.DefaultConfig()
	vcfg.PBKDF2Iterations = 1000
	v, err := vault.NewService([]byte("thisis32byteslongsecretkey123456"), vcfg, nil)
	if err != nil {
		t.Fatalf("vault.NewService failed: %v", err)
	}

	scfg := session.DefaultConfig()
	scfg.BcryptCost = bcrypt.MinCost
	mgr, err := session.NewManager([]byte("session-secret-for-tests-32bytes"), scfg, nil)
	if err != nil {
		t.Fatalf("session.NewManager failed: %v", err)
	}
	coach, err := mgr.AddUser("coach", coachPassword, "coach", "team-a", coachPermissions)
	if err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	sessions := &countingSessions{Manager: mgr}

	blocks := blocklist.NewMemoryStore()
	policy, err := threat.NewPolicyEngine(threat.DefaultPolicyConfig(), blocks, mgr, alerting.NewRecorder(), nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}
	engine, err := threat.NewEngine(threat.DefaultConfig(), policy, blocks, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	fw, err := compliance.NewFramework(compliance.DefaultConfig(), nil, v, nil, nil)
	if err != nil {
		t.Fatalf("NewFramework failed: %v", err)
	}
	audit := &flakyAudit{Framework: fw}

	validator, err := formation.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	ops := &countingOps{Service: formation.NewService(nil, v, nil)}

	orch, err := New(DefaultConfig(), Dependencies{
		Threats:   engine,
		Sessions:  sessions,
		Ops:       ops,
		Validator: validator,
		Audit:     audit,
		Files:     files.NewHandler(files.DefaultConfig(), v, validator, nil, nil),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.now = func() time.Time { return baseTime }

	return &testRig{
		orch:     orch,
		engine:   engine,
		blocks:   blocks,
		sessions: sessions,
		ops:      ops,
		audit:    audit,
		vault:    v,
		coach:    coach,
	}
}

func (r *testRig) coachContext() SecurityContext {
	return SecurityContext{
		UserID:      r.coach.ID,
		Role:        r.coach.Role,
		TeamID:      r.coach.TeamID,
		IP:          clientIP,
		UserAgent:   "tactics-board/1.0",
		Permissions: coachPermissions,
	}
}

func (r *testRig) entries(t *testing.T, prefix string) []*compliance.AuditEntry {
	t.Helper()
	all, err := r.audit.Entries(context.Background(), compliance.EntryFilter{})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	var out []*compliance.AuditEntry
	for _, e := range all {
		if strings.HasPrefix(e.Action, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (r *testRig) create(t *testing.T, name string) *formation.Formation {
	t.Helper()
	res := r.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": name, "formation": "4-3-3"},
	}, r.coachContext())
	if !res.Success {
		t.Fatalf("create failed: %v", res.Errors)
	}
	return res.Data.(*formation.Formation)
}

func hasString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	rig := newTestRig(t)
	full := Dependencies{
		Threats:   rig.engine,
		Sessions:  rig.sessions,
		Ops:       rig.ops,
		Validator: rig.orch.validator,
		Audit:     rig.audit,
	}

	tests := []struct {
		name   string
		mutate func(*Dependencies)
	}{
		{"no threats", func(d *Dependencies) { d.Threats = nil }},
		{"no sessions", func(d *Dependencies) { d.Sessions = nil }},
		{"no ops", func(d *Dependencies) { d.Ops = nil }},
		{"no validator", func(d *Dependencies) { d.Validator = nil }},
		{"no audit", func(d *Dependencies) { d.Audit = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			if _, err := New(DefaultConfig(), deps, nil); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("expected ErrMissingDependency, got %v", err)
			}
		})
	}

	if _, err := New(Config{}, full, nil); err != nil {
		t.Errorf("zero config should fall back to defaults, got %v", err)
	}
}

// =============================================================================
// Pipeline
// =============================================================================

func TestPerformOperation_CreateSucceedsAndLogsOnce(t *testing.T) {
	rig := newTestRig(t)

	res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": "High Press", "formation": "4-3-3"},
	}, rig.coachContext())

	if !res.Success {
		t.Fatalf("expected success, got %v", res.Errors)
	}
	f, ok := res.Data.(*formation.Formation)
	if !ok || f.ID == "" {
		t.Fatalf("expected stored formation, got %#v", res.Data)
	}
	if res.OperationID == "" || res.Timestamp.IsZero() {
		t.Error("operation id and timestamp should be set")
	}
	for _, check := range []string{CheckThreatAnalysis, CheckAuthorization, CheckInput, CheckAudit} {
		if !res.ComplianceChecks[check] {
			t.Errorf("check %s should pass", check)
		}
	}

	entries := rig.entries(t, "formation_")
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Category != compliance.CategoryTactical || e.Action != "formation_create" || e.UserID != rig.coach.ID {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Details["formation_id"] != f.ID {
		t.Errorf("entry should reference formation %s, got %v", f.ID, e.Details["formation_id"])
	}
}

func TestPerformOperation_DeclaredCategoryIsAudited(t *testing.T) {
	rig := newTestRig(t)

	res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": "Squad Fitness", "formation": "4-4-2"},
		Category: compliance.CategoryMedical,
		Purpose:  "player welfare",
		Basis:    compliance.BasisVitalInterests,
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Errors)
	}

	entries := rig.entries(t, "formation_")
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Category != compliance.CategoryMedical || entries[0].Basis != compliance.BasisVitalInterests {
		t.Errorf("entry should carry the declared category and basis: %+v", entries[0])
	}
	if !entries[0].Encrypted || len(entries[0].Violations) != 0 {
		t.Errorf("stored formations are encrypted, expected no violations: %v", entries[0].Violations)
	}
}

func TestPerformOperation_BlockingThreatStopsBeforeExecution(t *testing.T) {
	tests := []struct {
		name     string
		document map[string]any
		flag     string
	}{
		{
			name: "xss",
			document: map[string]any{
				"name":      "<script>alert(document.cookie)</script><img src=x onerror=eval(1)>",
				"formation": "4-4-2",
			},
			flag: "threat_detected:xss",
		},
		{
			name: "sql injection",
			document: map[string]any{
				"name":      "x' -- OR 1=1; DROP TABLE formations",
				"formation": "4-4-2",
			},
			flag: "threat_detected:sql_injection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{Document: tt.document}, rig.coachContext())

			if res.Success {
				t.Fatal("expected the operation to be blocked")
			}
			if !hasString(res.SecurityFlags, tt.flag) {
				t.Errorf("expected flag %s, got %v", tt.flag, res.SecurityFlags)
			}
			if !res.ThreatLevel.Blocking() {
				t.Errorf("expected high or critical threat level, got %q", res.ThreatLevel)
			}
			if len(res.Errors) != 1 || res.Errors[0] != MsgBlocked {
				t.Errorf("expected generic block message, got %v", res.Errors)
			}
			if res.Data != nil {
				t.Error("blocked result must not carry data")
			}
			if rig.ops.Calls() != 0 {
				t.Errorf("execution stage must not run, got %d calls", rig.ops.Calls())
			}
			if n := len(rig.entries(t, "formation_")); n != 0 {
				t.Errorf("blocked operation must not be audited as executed, got %d entries", n)
			}
			if res.ComplianceChecks[CheckThreatAnalysis] {
				t.Error("threat analysis check should fail")
			}
		})
	}
}

func TestPerformOperation_BlocklistShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		kind blocklist.Kind
		flag string
	}{
		{"blocked ip", blocklist.KindIP, "ip_blocked"},
		{"locked account", blocklist.KindAccount, "account_locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			sc := rig.coachContext()
			value := sc.IP
			if tt.kind == blocklist.KindAccount {
				value = sc.UserID
			}
			if err := rig.blocks.Add(context.Background(), tt.kind, value, "test", 0); err != nil {
				t.Fatalf("Add failed: %v", err)
			}

			res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
				Document: map[string]any{"name": "Low Block", "formation": "5-4-1"},
			}, sc)
			if res.Success || !hasString(res.SecurityFlags, tt.flag) {
				t.Fatalf("expected block with flag %s, got %+v", tt.flag, res)
			}
			if res.Errors[0] != MsgBlocked {
				t.Errorf("expected generic message, got %v", res.Errors)
			}
			if rig.ops.Calls() != 0 {
				t.Error("execution stage must not run")
			}
			if len(rig.engine.Events(threat.EventFilter{})) != 0 {
				t.Error("threat analysis should not run for a blocked caller")
			}
		})
	}
}

func TestPerformOperation_Authorization(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		perms []string
		want  bool
	}{
		{"create granted", KindCreate, []string{"create-formations"}, true},
		{"create denied", KindCreate, []string{"view-formations"}, false},
		{"wildcard", KindCreate, []string{"*"}, true},
		{"scoped export grants export", KindExport, []string{"export-formations:internal"}, true},
		{"read denied", KindRead, []string{"create-formations"}, false},
		{"delete denied", KindDelete, []string{"edit-formations"}, false},
		{"share denied", KindShare, nil, false},
		{"import denied", KindImport, []string{"create-formations"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			f := rig.create(t, "Diamond")
			callsBefore := rig.ops.Calls()

			sc := rig.coachContext()
			sc.Permissions = tt.perms
			res := rig.orch.PerformOperation(context.Background(), tt.kind, Payload{
				FormationID: f.ID,
				Document:    map[string]any{"name": "Diamond", "formation": "4-1-2-1-2"},
				ShareWith:   []string{"analyst-1"},
				Export:      files.ExportOptions{Format: files.FormatJSON},
			}, sc)

			if res.ComplianceChecks[CheckAuthorization] != tt.want {
				t.Errorf("authorized = %v, want %v", res.ComplianceChecks[CheckAuthorization], tt.want)
			}
			if !tt.want {
				if res.Success || res.Errors[0] != MsgForbidden {
					t.Errorf("expected permission failure, got %+v", res)
				}
				if rig.ops.Calls() != callsBefore {
					t.Error("denied operation must not execute")
				}
			}
		})
	}
}

func TestPerformOperation_InputValidation(t *testing.T) {
	rig := newTestRig(t)

	res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": "No Shape"},
	}, rig.coachContext())
	if res.Success {
		t.Fatal("document without a formation shape should fail validation")
	}
	if res.ComplianceChecks[CheckInput] || len(res.Errors) == 0 {
		t.Errorf("expected validator errors, got %+v", res)
	}
	if rig.ops.Calls() != 0 {
		t.Error("invalid input must not execute")
	}

	res = rig.orch.PerformOperation(context.Background(), KindCreate, Payload{}, rig.coachContext())
	if res.Success || !hasString(res.Errors, "formation document is required") {
		t.Errorf("empty document should be rejected, got %v", res.Errors)
	}

	res = rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": "Sanitized", "formation": "4-4-2", "owner_override": "admin"},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("unknown fields should be stripped, not rejected: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("stripping a field should produce a warning")
	}
}

func TestPerformOperation_Lifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	sc := rig.coachContext()
	f := rig.create(t, "Gegenpress")

	read := rig.orch.PerformOperation(ctx, KindRead, Payload{FormationID: f.ID}, sc)
	if !read.Success || read.Data.(*formation.Formation).Name != "Gegenpress" {
		t.Fatalf("read failed: %+v", read)
	}

	upd := rig.orch.PerformOperation(ctx, KindUpdate, Payload{
		FormationID: f.ID,
		Document:    map[string]any{"name": "Gegenpress v2", "formation": "4-2-3-1"},
	}, sc)
	if !upd.Success {
		t.Fatalf("update failed: %v", upd.Errors)
	}
	if got := upd.Data.(*formation.Formation); got.Metadata.Version != 2 || got.Shape != "4-2-3-1" {
		t.Errorf("unexpected updated formation: %+v", got)
	}

	share := rig.orch.PerformOperation(ctx, KindShare, Payload{FormationID: f.ID, ShareWith: []string{"analyst-1"}}, sc)
	if !share.Success || !hasString(share.Data.(*formation.Formation).SharedWith, "analyst-1") {
		t.Fatalf("share failed: %+v", share)
	}

	del := rig.orch.PerformOperation(ctx, KindDelete, Payload{FormationID: f.ID}, sc)
	if !del.Success {
		t.Fatalf("delete failed: %v", del.Errors)
	}

	gone := rig.orch.PerformOperation(ctx, KindRead, Payload{FormationID: f.ID}, sc)
	if gone.Success || gone.Errors[0] != MsgNotFound {
		t.Errorf("expected not found after delete, got %+v", gone)
	}

	// create, read, update, share, delete; the failed read is not audited
	if n := len(rig.entries(t, "formation_")); n != 5 {
		t.Errorf("expected 5 audit entries, got %d", n)
	}
}

func TestPerformOperation_ExecutionErrorsAreCoarse(t *testing.T) {
	rig := newTestRig(t)
	f := rig.create(t, "Private")

	other := SecurityContext{
		UserID:      "intruder",
		TeamID:      "team-b",
		IP:          "10.9.9.9",
		Permissions: []string{"delete-formations"},
	}
	res := rig.orch.PerformOperation(context.Background(), KindDelete, Payload{FormationID: f.ID}, other)
	if res.Success || res.Errors[0] != MsgForbidden {
		t.Errorf("expected coarse forbidden message, got %v", res.Errors)
	}
	if strings.Contains(strings.Join(res.Errors, " "), f.ID) {
		t.Error("errors must not leak identifiers")
	}

	res = rig.orch.PerformOperation(context.Background(), Kind("archive"), Payload{}, rig.coachContext())
	if res.Success || res.Errors[0] != MsgUnsupported {
		t.Errorf("unknown kind should be unsupported, got %v", res.Errors)
	}
}

func TestPerformOperation_ExportKind(t *testing.T) {
	rig := newTestRig(t)
	f := rig.create(t, "Back Three")

	res := rig.orch.PerformOperation(context.Background(), KindExport, Payload{
		FormationID: f.ID,
		Export:      files.ExportOptions{Format: files.FormatJSON},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("creator export failed: %v", res.Errors)
	}
	out := res.Data.(*files.ExportResult)
	if !rig.orch.files.VerifySignature(out.Data, rig.coach.ID, out.Signature) {
		t.Error("export signature should verify for the acting user")
	}

	// a teammate may read the formation but holds no tier-scoped export permission
	mate := SecurityContext{
		UserID:      "teammate",
		TeamID:      "team-a",
		IP:          "10.1.2.4",
		Permissions: []string{"export-formations"},
	}
	res = rig.orch.PerformOperation(context.Background(), KindExport, Payload{
		FormationID: f.ID,
		Export:      files.ExportOptions{Format: files.FormatJSON, Classification: vault.Public},
	}, mate)
	if res.Success || res.Data != nil {
		t.Fatal("non-creator without tier permission must not export")
	}
	if !strings.Contains(res.Errors[0], "permission denied") {
		t.Errorf("expected permission error, got %v", res.Errors)
	}
}

func TestPerformOperation_ImportKind(t *testing.T) {
	rig := newTestRig(t)
	res := rig.orch.PerformOperation(context.Background(), KindImport, Payload{
		Document: map[string]any{"name": "Imported 3-5-2", "formation": "3-5-2"},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("import failed: %v", res.Errors)
	}
	f := res.Data.(*formation.Formation)
	if !f.HasTag(formation.TagImported) || f.CreatedBy != rig.coach.ID {
		t.Errorf("unexpected imported formation: %+v", f)
	}
}

// =============================================================================
// Sessions
// =============================================================================

func TestPerformOperation_SessionValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	login, err := rig.sessions.Manager.Authenticate(ctx, session.Credentials{
		Username: "coach", Password: coachPassword, IP: clientIP,
	})
	if err != nil || !login.Success {
		t.Fatalf("login failed: %v %+v", err, login)
	}

	sc := rig.coachContext()
	sc.SessionID = login.SessionID
	res := rig.orch.PerformOperation(ctx, KindCreate, Payload{
		Document: map[string]any{"name": "Valid Session", "formation": "4-4-2"},
	}, sc)
	if !res.Success || !res.ComplianceChecks[CheckSession] {
		t.Fatalf("valid session should pass: %+v", res)
	}

	moved := sc
	moved.IP = "10.7.7.7"
	res = rig.orch.PerformOperation(ctx, KindCreate, Payload{
		Document: map[string]any{"name": "Moved", "formation": "4-4-2"},
	}, moved)
	if !res.Success {
		t.Fatalf("ip change is a warning, not a failure: %v", res.Errors)
	}
	if !hasString(res.Warnings, "session flag: "+session.FlagIPChanged) {
		t.Errorf("expected ip_changed warning, got %v", res.Warnings)
	}

	impostor := sc
	impostor.UserID = "someone-else"
	res = rig.orch.PerformOperation(ctx, KindCreate, Payload{
		Document: map[string]any{"name": "Impostor", "formation": "4-4-2"},
	}, impostor)
	if res.Success || res.Errors[0] != MsgSession {
		t.Errorf("session of another user must be rejected, got %+v", res)
	}

	if err := rig.sessions.TerminateSession(ctx, login.SessionID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	calls := rig.ops.Calls()
	res = rig.orch.PerformOperation(ctx, KindCreate, Payload{
		Document: map[string]any{"name": "Terminated", "formation": "4-4-2"},
	}, sc)
	if res.Success || res.Errors[0] != MsgSession || res.ComplianceChecks[CheckSession] {
		t.Errorf("terminated session must abort, got %+v", res)
	}
	if rig.ops.Calls() != calls {
		t.Error("invalid session must not execute")
	}
}

// =============================================================================
// Audit retry
// =============================================================================

func TestPerformOperation_AuditFailureQueuesRetry(t *testing.T) {
	rig := newTestRig(t)
	rig.audit.setFailing(true)

	res := rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
		Document: map[string]any{"name": "Offline Audit", "formation": "4-4-2"},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("audit failure must not fail the operation: %v", res.Errors)
	}
	if res.ComplianceChecks[CheckAudit] || !hasString(res.Warnings, MsgAuditQueued) {
		t.Errorf("expected deferred audit warning, got %+v", res)
	}
	if rig.orch.PendingLogs() != 1 {
		t.Fatalf("expected one pending record, got %d", rig.orch.PendingLogs())
	}

	written, remaining := rig.orch.RetryPendingLogs(context.Background())
	if written != 0 || remaining != 1 {
		t.Errorf("retry while failing: written=%d remaining=%d", written, remaining)
	}

	rig.audit.setFailing(false)
	written, remaining = rig.orch.RetryPendingLogs(context.Background())
	if written != 1 || remaining != 0 {
		t.Errorf("retry after recovery: written=%d remaining=%d", written, remaining)
	}
	entries := rig.entries(t, "formation_")
	if len(entries) != 1 || entries[0].Action != "formation_create" {
		t.Errorf("expected the queued entry to be written once, got %d", len(entries))
	}

	if w, r := rig.orch.RetryPendingLogs(context.Background()); w != 0 || r != 0 {
		t.Errorf("empty queue retry: written=%d remaining=%d", w, r)
	}
}

func TestRetryQueueIsBounded(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.config.MaxPendingLogs = 3

	for i := 0; i < 5; i++ {
		rig.orch.enqueue(compliance.ProcessingRecord{Action: fmt.Sprintf("action_%d", i)})
	}
	if n := rig.orch.PendingLogs(); n != 3 {
		t.Fatalf("expected queue capped at 3, got %d", n)
	}
	if rig.orch.pending[0].Action != "action_2" {
		t.Errorf("oldest records should be dropped first, head is %s", rig.orch.pending[0].Action)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuthenticate_SuccessAndFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	bad := rig.orch.Authenticate(ctx, AuthRequest{Username: "coach", Password: "wrong", IP: clientIP})
	if bad.Success || bad.RequiresLockout || bad.Errors[0] != MsgAuthFailed {
		t.Fatalf("expected plain failure, got %+v", bad)
	}

	good := rig.orch.Authenticate(ctx, AuthRequest{Username: "coach", Password: coachPassword, IP: clientIP})
	if !good.Success || good.Token == "" || good.SessionID == "" || good.UserID != rig.coach.ID {
		t.Fatalf("expected successful login, got %+v", good)
	}
	if n := rig.engine.RecordFailedLogin(clientIP, baseTime); n != 1 {
		t.Errorf("success should clear earlier failures, count now %d", n)
	}

	entries := rig.entries(t, "authentication_")
	if len(entries) != 2 {
		t.Fatalf("every attempt is audited, got %d entries", len(entries))
	}
	actions := []string{entries[0].Action, entries[1].Action}
	if !hasString(actions, "authentication_failed") || !hasString(actions, "authentication_succeeded") {
		t.Errorf("unexpected audit actions %v", actions)
	}
	for _, e := range entries {
		if e.Category != compliance.CategoryPersonal {
			t.Errorf("authentication entries are personal data, got %s", e.Category)
		}
	}
}

func TestAuthenticate_BruteForceEscalates(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	req := AuthRequest{Username: "coach", Password: "guess", IP: "10.66.0.1"}

	for i := 0; i < 10; i++ {
		res := rig.orch.Authenticate(ctx, req)
		if res.Success || res.RequiresLockout {
			t.Fatalf("attempt %d: expected plain failure, got %+v", i+1, res)
		}
	}

	res := rig.orch.Authenticate(ctx, req)
	if res.ThreatLevel != threat.LevelHigh {
		t.Errorf("11th attempt should see a high brute-force finding, got %q", res.ThreatLevel)
	}
	if !hasString(res.SecurityFlags, "threat_detected:brute_force") {
		t.Errorf("expected brute-force flag, got %v", res.SecurityFlags)
	}
	blocked, err := rig.engine.IsIPBlocked(ctx, req.IP)
	if err != nil || !blocked {
		t.Fatalf("high brute force should block the IP: blocked=%v err=%v", blocked, err)
	}

	calls := rig.sessions.AuthCalls()
	res = rig.orch.Authenticate(ctx, req)
	if !res.RequiresLockout || res.Errors[0] != MsgBlocked {
		t.Errorf("blocked IP should require lockout, got %+v", res)
	}
	if rig.sessions.AuthCalls() != calls {
		t.Error("session layer must not be called for a blocked IP")
	}
}

func TestAuthenticate_SuccessDoesNotResetFailureWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	const ip = "10.66.0.9"
	bad := AuthRequest{Username: "coach", Password: "guess", IP: ip}
	good := AuthRequest{Username: "coach", Password: coachPassword, IP: ip}

	for i := 0; i < 9; i++ {
		rig.orch.Authenticate(ctx, bad)
	}
	if res := rig.orch.Authenticate(ctx, good); !res.Success {
		t.Fatalf("valid login below the threshold should succeed, got %+v", res)
	}

	detected := false
	for round := 0; round < 2 && !detected; round++ {
		for i := 0; i < 9; i++ {
			res := rig.orch.Authenticate(ctx, bad)
			if hasString(res.SecurityFlags, "threat_detected:brute_force") &&
				res.ThreatLevel.Rank() >= threat.LevelHigh.Rank() {
				detected = true
				break
			}
		}
		rig.orch.Authenticate(ctx, good)
	}
	if !detected {
		t.Fatal("failures interleaved with valid logins from one IP should raise a high brute-force finding")
	}

	blocked, err := rig.engine.IsIPBlocked(ctx, ip)
	if err != nil || !blocked {
		t.Errorf("brute force should block the IP: blocked=%v err=%v", blocked, err)
	}
}

func TestAuthenticate_CriticalFindingSkipsSessionLayer(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *testRig)
		req   AuthRequest
	}{
		{
			name: "saturated brute force",
			setup: func(r *testRig) {
				for i := 0; i < 20; i++ {
					r.engine.RecordFailedLogin("10.66.0.2", baseTime.Add(-time.Minute))
				}
			},
			req: AuthRequest{Username: "coach", Password: "guess", IP: "10.66.0.2"},
		},
		{
			name:  "sql injection in username",
			setup: func(*testRig) {},
			req:   AuthRequest{Username: "admin' -- OR 1=1; DROP TABLE users", Password: "x", IP: "10.66.0.3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			tt.setup(rig)

			res := rig.orch.Authenticate(context.Background(), tt.req)
			if !res.RequiresLockout || res.Success {
				t.Fatalf("expected lockout, got %+v", res)
			}
			if res.ThreatLevel != threat.LevelCritical {
				t.Errorf("expected critical, got %q", res.ThreatLevel)
			}
			if rig.sessions.AuthCalls() != 0 {
				t.Error("session layer must not be called on a critical finding")
			}
			entries := rig.entries(t, "authentication_blocked")
			if len(entries) != 1 {
				t.Errorf("blocked attempt should still be audited, got %d entries", len(entries))
			}
		})
	}
}

// =============================================================================
// File operations
// =============================================================================

func TestPerformFileOperation_Import(t *testing.T) {
	rig := newTestRig(t)

	res := rig.orch.PerformFileOperation(context.Background(), KindImport, FileRequest{
		File: files.File{
			Name:     "lineup.json",
			MIMEType: "application/json",
			Size:     1024,
			Content:  []byte(`{"name":"4-4-2","formation":"4-4-2"}`),
		},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("import failed: %v", res.Errors)
	}
	out := res.Data.(*files.ImportResult)
	if out.Formation == nil || out.Formation.ID == "" || !out.Formation.HasTag(formation.TagImported) {
		t.Fatalf("unexpected import result: %+v", out)
	}

	stored, err := rig.ops.Service.Read(context.Background(), rig.coachContext().actor(), out.Formation.ID)
	if err != nil {
		t.Fatalf("imported formation should be stored: %v", err)
	}
	if stored.Classification != vault.Internal {
		t.Errorf("imports default to internal, got %s", stored.Classification)
	}

	entries := rig.entries(t, "formation_file_import")
	if len(entries) != 1 {
		t.Errorf("expected one audit entry, got %d", len(entries))
	}
}

func TestPerformFileOperation_ImportRejectsSuspiciousName(t *testing.T) {
	rig := newTestRig(t)

	res := rig.orch.PerformFileOperation(context.Background(), KindImport, FileRequest{
		File: files.File{Name: "payload.exe", MIMEType: "application/json", Size: 10, Content: []byte(`{}`)},
	}, rig.coachContext())
	if res.Success || res.Data != nil {
		t.Fatal("suspicious file must be rejected")
	}
	if !strings.Contains(strings.Join(res.Errors, " "), "suspicious filename pattern") {
		t.Errorf("expected suspicious filename error, got %v", res.Errors)
	}
	if rig.ops.Calls() != 0 {
		t.Error("rejected import must not be stored")
	}
	if n := len(rig.entries(t, "formation_file_")); n != 0 {
		t.Errorf("rejected import must not be audited as executed, got %d", n)
	}
}

func TestPerformFileOperation_Export(t *testing.T) {
	rig := newTestRig(t)
	f := rig.create(t, "Counter")

	res := rig.orch.PerformFileOperation(context.Background(), KindExport, FileRequest{
		FormationID: f.ID,
		Export:      files.ExportOptions{Format: files.FormatText, Password: "envelope-pass"},
	}, rig.coachContext())
	if !res.Success {
		t.Fatalf("export failed: %v", res.Errors)
	}
	out := res.Data.(*files.ExportResult)
	if !out.Encrypted {
		t.Error("password export should be encrypted")
	}

	entries := rig.entries(t, "formation_file_export")
	if len(entries) != 1 || !entries[0].Encrypted {
		t.Errorf("expected one encrypted export entry, got %+v", entries)
	}

	sc := rig.coachContext()
	sc.Permissions = []string{"view-formations"}
	res = rig.orch.PerformFileOperation(context.Background(), KindExport, FileRequest{FormationID: f.ID}, sc)
	if res.Success || res.Errors[0] != MsgForbidden {
		t.Errorf("export without permission should be forbidden, got %v", res.Errors)
	}

	res = rig.orch.PerformFileOperation(context.Background(), KindDelete, FileRequest{}, rig.coachContext())
	if res.Success || res.Errors[0] != MsgUnsupported {
		t.Errorf("only import and export are file operations, got %v", res.Errors)
	}
}

// =============================================================================
// Dashboard
// =============================================================================

func TestDashboard(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := rig.orch.Dashboard(ctx)
	if d.SystemStatus != StatusSecure || d.ActiveThreats != 0 || d.VulnerabilityScore != 0 {
		t.Errorf("fresh system should be secure: %+v", d)
	}
	if len(d.Recommendations) != 1 || d.Recommendations[0] != RecommendNone {
		t.Errorf("expected no recommendations, got %v", d.Recommendations)
	}
	if d.ComplianceScore != 100 {
		t.Errorf("empty audit log should score 100, got %v", d.ComplianceScore)
	}

	rig.orch.PerformOperation(ctx, KindCreate, Payload{
		Document: map[string]any{"name": "<script>document.cookie</script><iframe onload=eval(1)>", "formation": "4-4-2"},
	}, rig.coachContext())

	d = rig.orch.Dashboard(ctx)
	if d.SystemStatus != StatusCritical {
		t.Errorf("unmitigated critical event should make status critical, got %s", d.SystemStatus)
	}
	if d.ActiveThreats == 0 || d.BlockedAttacks != 1 || len(d.RecentEvents) == 0 {
		t.Errorf("unexpected dashboard: %+v", d)
	}
	if d.VulnerabilityScore < 25 {
		t.Errorf("critical event should weigh at least 25, got %v", d.VulnerabilityScore)
	}
	if !hasString(d.Recommendations, RecommendInvestigate) {
		t.Errorf("expected investigate recommendation, got %v", d.Recommendations)
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestPerformOperation_ConcurrentUsers(t *testing.T) {
	rig := newTestRig(t)
	const users = 16

	var wg sync.WaitGroup
	results := make([]*Result, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc := SecurityContext{
				UserID:      fmt.Sprintf("coach-%d", i),
				TeamID:      "team-c",
				IP:          fmt.Sprintf("10.2.0.%d", i+1),
				Permissions: []string{"create-formations"},
			}
			results[i] = rig.orch.PerformOperation(context.Background(), KindCreate, Payload{
				Document: map[string]any{"name": fmt.Sprintf("Board %d", i), "formation": "4-4-2"},
			}, sc)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Errorf("user %d failed: %v", i, res.Errors)
		}
	}
	if n := len(rig.entries(t, "formation_create")); n != users {
		t.Errorf("expected %d audit entries, got %d", users, n)
	}
	count, err := rig.ops.Count(context.Background())
	if err != nil || count != users {
		t.Errorf("expected %d stored formations, got %d (%v)", users, count, err)
	}
}
