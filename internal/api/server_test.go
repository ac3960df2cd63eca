package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/api/gateway"
	"github.com/lvonguyen/tacticguard/internal/blocklist"
	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/scheduler"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

const testPassword = "touchline-password"

var coachPermissions = []string{
	"create-formations", "view-formations", "edit-formations", "delete-formations",
	"share-formations", "export-formations:*", "import-formations",
}

type fakeTasks struct {
	ran []string
}

func (f *fakeTasks) Tasks() []scheduler.TaskStatus {
	return []scheduler.TaskStatus{{ID: scheduler.TaskSessionPrune, Schedule: "@every 15m"}}
}

func (f *fakeTasks) RunNow(_ context.Context, id string) error {
	if id != scheduler.TaskSessionPrune {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownTask, id)
	}
	f.ran = append(f.ran, id)
	return nil
}

type apiRig struct {
	handler  http.Handler
	sessions *session.Manager
	fw       *compliance.Framework
	tasks    *fakeTasks
}

type rigOption func(*Dependencies)

func withLimiter(l *gateway.RateLimiter) rigOption {
	return func(d *Dependencies) { d.Limiter = l }
}

func withChecks(c map[string]HealthCheck) rigOption {
	return func(d *Dependencies) { d.Checks = c }
}

func newAPIRig(t *testing.T, opts ...rigOption) *apiRig {
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
	for _, u := range []struct {
		name, role string
		perms      []string
	}{
		{"coach", "coach", coachPermissions},
		{"assistant", "coach", coachPermissions},
		{"scout", "viewer", []string{"view-formations"}},
		{"admin", "admin", []string{"*"}},
	} {
		if _, err := mgr.AddUser(u.name, testPassword, u.role, "team-a", u.perms); err != nil {
			t.Fatalf("AddUser %s failed: %v", u.name, err)
		}
	}

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
	validator, err := formation.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	svc := formation.NewService(nil, v, nil)
	fw.RegisterSource(compliance.CategoryTactical, svc)

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Dependencies{
		Threats:   engine,
		Sessions:  mgr,
		Ops:       svc,
		Validator: validator,
		Audit:     fw,
		Files:     files.NewHandler(files.DefaultConfig(), v, validator, nil, nil),
	}, nil)
	if err != nil {
		t.Fatalf("orchestrator.New failed: %v", err)
	}

	tasks := &fakeTasks{}
	deps := Dependencies{
		Orchestrator: orch,
		Compliance:   fw,
		Tokens:       mgr,
		Maintenance:  tasks,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv, err := NewServer(DefaultConfig(), deps, "test", nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	return &apiRig{handler: srv.Router(), sessions: mgr, fw: fw, tasks: tasks}
}

func (r *apiRig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tactics-board/1.0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func (r *apiRig) login(t *testing.T, username string) string {
	t.Helper()
	rec := r.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username, "password": testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rec.Code, rec.Body.String())
	}
	var res orchestrator.AuthenticationResult
	decodeBody(t, rec, &res)
	if res.Token == "" {
		t.Fatal("login returned no token")
	}
	return res.Token
}

type resultBody struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data"`
	Errors        []string        `json:"errors"`
	SecurityFlags []string        `json:"security_flags"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func (r *apiRig) createFormation(t *testing.T, token, name string) string {
	t.Helper()
	rec := r.do(t, http.MethodPost, "/api/v1/formations/", token, map[string]any{
		"document": map[string]any{"name": name, "formation": "4-3-3"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res resultBody
	decodeBody(t, rec, &res)
	var f formation.Formation
	if err := json.Unmarshal(res.Data, &f); err != nil {
		t.Fatalf("decoding formation: %v", err)
	}
	return f.ID
}

// =============================================================================
// Construction and health
// =============================================================================

func TestNewServer_RequiresCollaborators(t *testing.T) {
	if _, err := NewServer(DefaultConfig(), Dependencies{}, "test", nil); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("expected ErrMissingDependency, got %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	rig := newAPIRig(t, withChecks(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
		"store": func(context.Context) error { return errors.New("connection refused") },
	}))

	if rec := rig.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}

	rec := rig.do(t, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: expected 503, got %d", rec.Code)
	}
	var body struct {
		Components map[string]string `json:"components"`
	}
	decodeBody(t, rec, &body)
	if body.Components["redis"] != "ok" || body.Components["store"] != "unavailable" {
		t.Errorf("unexpected components: %v", body.Components)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestLogin(t *testing.T) {
	rig := newAPIRig(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"valid credentials", map[string]string{"username": "coach", "password": testPassword}, http.StatusOK},
		{"wrong password", map[string]string{"username": "coach", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "ghost", "password": testPassword}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "coach"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"username": "coach", "password": testPassword, "role": "admin"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), testPassword) {
				t.Error("response must not echo the password")
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.login(t, "coach")

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"no token", "", "missing bearer token"},
		{"garbage token", "not-a-jwt", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodGet, "/api/v1/formations/abc", tt.token, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body errorResponse
			decodeBody(t, rec, &body)
			if body.Error != tt.want {
				t.Errorf("expected %q, got %q", tt.want, body.Error)
			}
		})
	}

	claims, err := rig.sessions.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if err := rig.sessions.TerminateSession(context.Background(), claims.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	rec := rig.do(t, http.MethodGet, "/api/v1/formations/abc", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("terminated session: expected 401, got %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rig := newAPIRig(t, withLimiter(gateway.NewRateLimiter(client, gateway.DefaultRateLimitConfig(), nil, nil)))

	bad := map[string]string{"username": "coach", "password": "guess"}
	for i := 0; i < 10; i++ {
		if rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", "", bad); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	if rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", "", bad); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the login window is spent, got %d", rec.Code)
	}
}

// =============================================================================
// Formations
// =============================================================================

func TestFormationLifecycle(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.login(t, "coach")
	id := rig.createFormation(t, token, "High press")

	rec := rig.do(t, http.MethodGet, "/api/v1/formations/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodPut, "/api/v1/formations/"+id, token, map[string]any{
		"document": map[string]any{"name": "Mid block", "formation": "4-4-2"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/formations/"+id+"/share", token, map[string]any{"user_ids": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("share without users: expected 400, got %d", rec.Code)
	}

	if rec := rig.do(t, http.MethodDelete, "/api/v1/formations/"+id, token, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodGet, "/api/v1/formations/"+id, token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("read after delete: expected 404, got %d", rec.Code)
	}

	entries, err := rig.fw.Entries(context.Background(), compliance.EntryFilter{})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	formationEntries := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Action, "formation_") {
			formationEntries++
		}
	}
	if formationEntries != 4 {
		t.Errorf("expected 4 formation audit entries, got %d", formationEntries)
	}
}

func TestFormationPipelineStatuses(t *testing.T) {
	rig := newAPIRig(t)
	coach := rig.login(t, "coach")
	scout := rig.login(t, "scout")

	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "script injection blocked",
			token:      coach,
			body:       map[string]any{"document": map[string]any{"name": "<script>alert(1)</script>", "formation": "4-3-3"}},
			wantStatus: http.StatusForbidden,
			wantError:  orchestrator.MsgBlocked,
		},
		{
			name:       "viewer cannot create",
			token:      scout,
			body:       map[string]any{"document": map[string]any{"name": "Low block", "formation": "5-4-1"}},
			wantStatus: http.StatusForbidden,
			wantError:  orchestrator.MsgForbidden,
		},
		{
			name:       "schema failure",
			token:      coach,
			body:       map[string]any{"document": map[string]any{"formation": "4-3-3"}},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown category",
			token:      coach,
			body:       map[string]any{"document": map[string]any{"name": "x", "formation": "4-3-3"}, "category": "genetic"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodPost, "/api/v1/formations/", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantError == "" {
				return
			}
			var res resultBody
			decodeBody(t, rec, &res)
			if len(res.Errors) != 1 || res.Errors[0] != tt.wantError {
				t.Errorf("expected error %q, got %v", tt.wantError, res.Errors)
			}
		})
	}
}

// =============================================================================
// Files
// =============================================================================

func multipartUpload(t *testing.T, name, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart failed: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := mw.WriteField("allow_partial", "false"); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestFileImportAndExport(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.login(t, "coach")

	body, ct := multipartUpload(t, "counter-press.json", "application/json",
		[]byte(`{"name":"Counter press","formation":"4-2-3-1"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/import", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res resultBody
	decodeBody(t, rec, &res)
	var imported files.ImportResult
	if err := json.Unmarshal(res.Data, &imported); err != nil {
		t.Fatalf("decoding import result: %v", err)
	}
	if imported.Formation == nil || imported.Formation.ID == "" {
		t.Fatal("import should return the stored formation")
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/files/export", token, map[string]any{
		"formation_id": imported.Formation.ID,
		"format":       "xml",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res = resultBody{}
	decodeBody(t, rec, &res)
	var exported files.ExportResult
	if err := json.Unmarshal(res.Data, &exported); err != nil {
		t.Fatalf("decoding export result: %v", err)
	}
	if !bytes.Contains(exported.Data, []byte("<name>Counter press</name>")) {
		t.Errorf("expected XML export, got %s", exported.Data)
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/files/export", token, map[string]any{
		"formation_id": imported.Formation.ID,
		"format":       "pdf",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported format: expected 400, got %d", rec.Code)
	}
}

func TestFileImportRejectsExecutable(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.login(t, "coach")

	body, ct := multipartUpload(t, "tactics.exe", "application/json", []byte(`{"name":"x","formation":"4-4-2"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/import", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusCreated {
		t.Fatal("an executable upload must not be imported")
	}
}

// =============================================================================
// Dashboard and maintenance
// =============================================================================

func TestDashboardRequiresPermission(t *testing.T) {
	rig := newAPIRig(t)

	if rec := rig.do(t, http.MethodGet, "/api/v1/security/dashboard", rig.login(t, "coach"), nil); rec.Code != http.StatusForbidden {
		t.Errorf("coach: expected 403, got %d", rec.Code)
	}

	rec := rig.do(t, http.MethodGet, "/api/v1/security/dashboard", rig.login(t, "admin"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
	var d orchestrator.Dashboard
	decodeBody(t, rec, &d)
	if d.SystemStatus == "" || len(d.Recommendations) == 0 {
		t.Errorf("incomplete dashboard: %+v", d)
	}
}

func TestMaintenanceRoutes(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.login(t, "admin")

	if rec := rig.do(t, http.MethodGet, "/api/v1/maintenance/tasks", rig.login(t, "coach"), nil); rec.Code != http.StatusForbidden {
		t.Errorf("coach: expected 403, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodGet, "/api/v1/maintenance/tasks", admin, nil); rec.Code != http.StatusOK {
		t.Errorf("list: expected 200, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodPost, "/api/v1/maintenance/tasks/"+scheduler.TaskSessionPrune+"/run", admin, nil); rec.Code != http.StatusOK {
		t.Errorf("run: expected 200, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodPost, "/api/v1/maintenance/tasks/defragment/run", admin, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown task: expected 404, got %d", rec.Code)
	}
	if len(rig.tasks.ran) != 1 {
		t.Errorf("expected one task run, got %v", rig.tasks.ran)
	}
}

// =============================================================================
// Compliance
// =============================================================================

func TestConsentRoutes(t *testing.T) {
	rig := newAPIRig(t)
	coach := rig.login(t, "coach")
	assistant := rig.login(t, "assistant")

	rec := rig.do(t, http.MethodPost, "/api/v1/compliance/consents", coach, map[string]any{
		"purpose":      "match analytics",
		"categories":   []string{"personal", "tactical"},
		"lawful_basis": "consent",
		"granted":      true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var consent compliance.ConsentRecord
	decodeBody(t, rec, &consent)

	rec = rig.do(t, http.MethodPost, "/api/v1/compliance/consents", coach, map[string]any{
		"purpose":      "match analytics",
		"categories":   []string{"biometric"},
		"lawful_basis": "consent",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown category: expected 400, got %d", rec.Code)
	}

	if rec := rig.do(t, http.MethodDelete, "/api/v1/compliance/consents/"+consent.ID, assistant, nil); rec.Code != http.StatusForbidden {
		t.Errorf("withdrawal by another user: expected 403, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodDelete, "/api/v1/compliance/consents/"+consent.ID, coach, map[string]string{"reason": "season over"}); rec.Code != http.StatusOK {
		t.Fatalf("withdrawal: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := rig.do(t, http.MethodDelete, "/api/v1/compliance/consents/"+consent.ID, coach, nil); rec.Code != http.StatusConflict {
		t.Errorf("second withdrawal: expected 409, got %d", rec.Code)
	}
}

func TestSubjectRequestRoutes(t *testing.T) {
	rig := newAPIRig(t)
	coach := rig.login(t, "coach")
	rig.createFormation(t, coach, "Back three")

	rec := rig.do(t, http.MethodPost, "/api/v1/compliance/requests", coach, map[string]string{
		"request_type":        "access",
		"verification_method": "email",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("open: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var dsr compliance.DataSubjectRequest
	decodeBody(t, rec, &dsr)

	if rec := rig.do(t, http.MethodGet, "/api/v1/compliance/requests/"+dsr.ID, rig.login(t, "assistant"), nil); rec.Code != http.StatusNotFound {
		t.Errorf("another user's request: expected 404, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodGet, "/api/v1/compliance/requests/"+dsr.ID, coach, nil); rec.Code != http.StatusOK {
		t.Errorf("own request: expected 200, got %d", rec.Code)
	}
	if rec := rig.do(t, http.MethodPost, "/api/v1/compliance/requests/"+dsr.ID+"/process", coach, nil); rec.Code != http.StatusForbidden {
		t.Errorf("processing without permission: expected 403, got %d", rec.Code)
	}

	admin := rig.login(t, "admin")
	rec = rig.do(t, http.MethodPost, "/api/v1/compliance/requests/"+dsr.ID+"/process", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var access compliance.AccessResult
	decodeBody(t, rec, &access)
	if access.Request.Status != compliance.StatusCompleted || access.Export == nil {
		t.Errorf("access request should complete with an export: %+v", access.Request)
	}

	if rec := rig.do(t, http.MethodPost, "/api/v1/compliance/requests/"+dsr.ID+"/process", admin, nil); rec.Code != http.StatusConflict {
		t.Errorf("reprocessing a completed request: expected 409, got %d", rec.Code)
	}
}

func TestReportRoute(t *testing.T) {
	rig := newAPIRig(t)
	coach := rig.login(t, "coach")
	rig.createFormation(t, coach, "Diamond")
	admin := rig.login(t, "admin")

	now := time.Now().UTC()
	rec := rig.do(t, http.MethodPost, "/api/v1/compliance/reports", admin, map[string]any{
		"period_start": now.Add(-time.Hour),
		"period_end":   now.Add(time.Hour),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report compliance.Report
	decodeBody(t, rec, &report)
	if report.Framework != "GDPR" || report.TotalEntries == 0 {
		t.Errorf("unexpected report: framework=%s entries=%d", report.Framework, report.TotalEntries)
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/compliance/reports", admin, map[string]any{
		"period_start": now,
		"period_end":   now.Add(-time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted period: expected 400, got %d", rec.Code)
	}

	if rec := rig.do(t, http.MethodPost, "/api/v1/compliance/reports", coach, map[string]any{
		"period_start": now.Add(-time.Hour),
		"period_end":   now,
	}); rec.Code != http.StatusForbidden {
		t.Errorf("coach: expected 403, got %d", rec.Code)
	}
}
