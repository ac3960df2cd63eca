package threat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/blocklist"
)

func newTestPolicy(t *testing.T) (*PolicyEngine, *blocklist.MemoryStore, *alerting.Recorder, *fakeSessions) {
	t.Helper()
	blocks := blocklist.NewMemoryStore()
	alerts := alerting.NewRecorder()
	sessions := &fakeSessions{}
	p, err := NewPolicyEngine(DefaultPolicyConfig(), blocks, sessions, alerts, nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}
	return p, blocks, alerts, sessions
}

func testEvent(id string) Event {
	return Event{
		ID:      id,
		Type:    TypeBruteForce,
		Level:   LevelHigh,
		Source:  Source{Kind: "ip", ID: "192.0.2.1", IP: "192.0.2.1"},
		Context: RequestContext{IP: "192.0.2.1", UserID: "coach-1", SessionID: "sess-1"},
	}
}

func equalActions(a, b []Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Policy Table Tests
// =============================================================================

func TestActionsFor_DefaultTable(t *testing.T) {
	p, _, _, _ := newTestPolicy(t)

	tests := []struct {
		tt    Type
		level Level
		want  []Action
	}{
		{TypeXSS, LevelLow, []Action{ActionLog}},
		{TypeXSS, LevelMedium, []Action{ActionLog, ActionAlert}},
		{TypeAnomalousBehavior, LevelHigh, []Action{ActionLog, ActionAlert, ActionRequireMFA}},
		{TypeBruteForce, LevelHigh, []Action{ActionLog, ActionAlert, ActionRequireMFA, ActionBlockIP}},
		{TypeSQLInjection, LevelCritical, []Action{ActionLog, ActionAlert, ActionEscalate, ActionRequireMFA, ActionBlockIP}},
		{TypeDataExfiltration, LevelCritical, []Action{ActionLog, ActionAlert, ActionEscalate, ActionRequireMFA, ActionLockAccount, ActionTerminateSession}},
	}

	for _, tt := range tests {
		t.Run(string(tt.tt)+"/"+string(tt.level), func(t *testing.T) {
			got := p.ActionsFor(tt.tt, tt.level)
			if !equalActions(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionsFor_MonotonicAcrossLevels(t *testing.T) {
	p, _, _, _ := newTestPolicy(t)
	types := []Type{
		TypeBruteForce, TypeSQLInjection, TypeXSS, TypeCSRF, TypeDataExfiltration, TypeInsiderThreat,
		TypeAnomalousBehavior, TypeUnauthorizedAccess, TypePrivilegeEscalation, TypeMalware, TypeDDoS,
		TypeSocialEngineering,
	}

	for _, tt := range types {
		for i := 1; i < len(Levels); i++ {
			upper := make(map[Action]bool)
			for _, a := range p.ActionsFor(tt, Levels[i]) {
				upper[a] = true
			}
			for _, a := range p.ActionsFor(tt, Levels[i-1]) {
				if !upper[a] {
					t.Errorf("%s: %s at %s missing at %s", tt, a, Levels[i-1], Levels[i])
				}
			}
		}
		for _, l := range Levels {
			if actions := p.ActionsFor(tt, l); len(actions) == 0 || actions[0] != ActionLog {
				t.Errorf("%s/%s must start with log, got %v", tt, l, actions)
			}
		}
	}
}

func TestLoadPolicy(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "typed addition",
			doc:  "types:\n  critical:\n    xss: [block_ip]\n",
		},
		{
			name:    "missing log",
			doc:     "levels:\n  medium: [alert]\n",
			wantErr: true,
		},
		{
			name:    "drops action at higher level",
			doc:     "levels:\n  critical: [log, alert]\n",
			wantErr: true,
		},
		{
			name:    "unknown action",
			doc:     "levels:\n  low: [log, nuke]\n",
			wantErr: true,
		},
		{
			name:    "unknown level",
			doc:     "levels:\n  severe: [log]\n",
			wantErr: true,
		},
		{
			name:    "typed row breaks monotonicity",
			doc:     "types:\n  medium:\n    malware: [quarantine]\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, _ := newTestPolicy(t)
			err := p.LoadPolicy([]byte(tt.doc))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPolicy) {
					t.Errorf("expected ErrInvalidPolicy, got %v", err)
				}
				if !equalActions(p.ActionsFor(TypeXSS, LevelCritical), DefaultPolicyTable().actionsFor(TypeXSS, LevelCritical)) {
					t.Error("rejected policy must leave the active table unchanged")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadPolicy failed: %v", err)
			}
			if !hasAction(p.ActionsFor(TypeXSS, LevelCritical), ActionBlockIP) {
				t.Error("override not applied")
			}
		})
	}
}

func TestNewPolicyEngine_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "types:\n  high:\n    malware: [quarantine]\n  critical:\n    malware: [quarantine]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultPolicyConfig()
	cfg.PolicyFile = path
	p, err := NewPolicyEngine(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}
	if !hasAction(p.ActionsFor(TypeMalware, LevelHigh), ActionQuarantine) {
		t.Error("policy file not applied")
	}

	out, err := p.ExportPolicy()
	if err != nil || len(out) == 0 {
		t.Errorf("ExportPolicy failed: %v", err)
	}

	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewPolicyEngine(cfg, nil, nil, nil, nil); err == nil {
		t.Error("expected error for missing policy file")
	}
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_IdempotentPerTarget(t *testing.T) {
	p, blocks, alerts, sessions := newTestPolicy(t)
	ctx := context.Background()

	for _, id := range []string{"ev-1", "ev-2"} {
		ev := testEvent(id)
		for _, a := range []Action{ActionBlockIP, ActionAlert, ActionTerminateSession} {
			if err := p.Execute(ctx, a, ev); err != nil {
				t.Fatalf("Execute(%s) failed: %v", a, err)
			}
		}
	}

	ips, _ := blocks.List(ctx, blocklist.KindIP)
	if len(ips) != 1 {
		t.Errorf("expected 1 blocked ip, got %d", len(ips))
	}
	if n := len(alerts.Alerts()); n != 2 {
		t.Errorf("alerts are keyed by event, expected 2, got %d", n)
	}
	if len(sessions.terminated) != 1 {
		t.Errorf("expected one termination, got %v", sessions.terminated)
	}
}

func TestExecute_ReblocksAfterRemoval(t *testing.T) {
	p, blocks, _, _ := newTestPolicy(t)
	ctx := context.Background()
	ev := testEvent("ev-1")

	if err := p.Execute(ctx, ActionBlockIP, ev); err != nil {
		t.Fatal(err)
	}
	if err := blocks.Remove(ctx, blocklist.KindIP, "192.0.2.1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Execute(ctx, ActionBlockIP, testEvent("ev-2")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := blocks.Contains(ctx, blocklist.KindIP, "192.0.2.1"); !ok {
		t.Error("lifted block should be reapplied")
	}
}

func TestExecute_CollaboratorFailuresAreNotReturned(t *testing.T) {
	p, _, alerts, sessions := newTestPolicy(t)
	alerts.FailWith(errors.New("siem down"))
	sessions.err = errors.New("session store down")
	ctx := context.Background()

	for _, a := range []Action{ActionAlert, ActionEscalate, ActionRequireMFA, ActionTerminateSession} {
		if err := p.Execute(ctx, a, testEvent("ev-1")); err != nil {
			t.Errorf("Execute(%s) should swallow collaborator errors, got %v", a, err)
		}
	}
}

func TestExecute_UnknownAction(t *testing.T) {
	p, _, _, _ := newTestPolicy(t)
	if err := p.Execute(context.Background(), Action("nuke"), testEvent("ev-1")); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestExecute_MissingTargetIsSkipped(t *testing.T) {
	p, blocks, _, _ := newTestPolicy(t)
	ev := testEvent("ev-1")
	ev.Context.UserID = ""

	if err := p.Execute(context.Background(), ActionLockAccount, ev); err != nil {
		t.Fatal(err)
	}
	accts, _ := blocks.List(context.Background(), blocklist.KindAccount)
	if len(accts) != 0 {
		t.Errorf("expected no locked accounts, got %v", accts)
	}
}

func TestExecute_MitigatingActionsMarkEvent(t *testing.T) {
	p, blocks, _, _ := newTestPolicy(t)
	var marked []string
	p.onMitigated = func(id string) { marked = append(marked, id) }
	ctx := context.Background()

	if err := p.Execute(ctx, ActionAlert, testEvent("ev-1")); err != nil {
		t.Fatal(err)
	}
	if len(marked) != 0 {
		t.Errorf("alert must not mitigate, got %v", marked)
	}

	if err := p.Execute(ctx, ActionQuarantine, testEvent("ev-1")); err != nil {
		t.Fatal(err)
	}
	if err := p.Execute(ctx, ActionQuarantine, testEvent("ev-2")); err != nil {
		t.Fatal(err)
	}
	if len(marked) != 2 || marked[0] != "ev-1" || marked[1] != "ev-2" {
		t.Errorf("expected both events mitigated, got %v", marked)
	}
	if ok, _ := blocks.Contains(ctx, blocklist.KindQuarantine, "coach-1"); !ok {
		t.Error("user should be quarantined")
	}
}

func TestExecute_AlertCarriesAttackMapping(t *testing.T) {
	p, _, alerts, _ := newTestPolicy(t)

	if err := p.Execute(context.Background(), ActionEscalate, testEvent("ev-1")); err != nil {
		t.Fatal(err)
	}
	got := alerts.Alerts()
	if len(got) != 1 {
		t.Fatalf("expected one alert, got %d", len(got))
	}
	if got[0].Kind != alerting.KindEscalate {
		t.Errorf("expected escalation, got %s", got[0].Kind)
	}
	if got[0].Fields["mitre_technique_id"] != "T1110" || got[0].Fields["mitre_tactic_id"] != "TA0006" {
		t.Errorf("brute force should map to T1110/TA0006, got %v", got[0].Fields)
	}
}

func TestEveryTypeHasTechnique(t *testing.T) {
	types := []Type{
		TypeBruteForce, TypeSQLInjection, TypeXSS, TypeCSRF, TypeDataExfiltration, TypeInsiderThreat,
		TypeAnomalousBehavior, TypeUnauthorizedAccess, TypePrivilegeEscalation, TypeMalware, TypeDDoS,
		TypeSocialEngineering,
	}
	for _, typ := range types {
		tech, ok := typ.Technique()
		if !ok || tech.ID == "" || tech.TacticID == "" {
			t.Errorf("%s has no technique mapping", typ)
		}
	}
	if _, ok := Type("unknown").Technique(); ok {
		t.Error("unknown type should not map")
	}
}

// mfaFlags keeps the pending-challenge flag per user, like the session layer.
type mfaFlags struct {
	mu      sync.Mutex
	pending map[string]bool
}

func (m *mfaFlags) TerminateSession(context.Context, string) error { return nil }

func (m *mfaFlags) RequireMFA(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = true
	return nil
}

func (m *mfaFlags) clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
}

func (m *mfaFlags) isPending(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[userID]
}

func TestExecute_RequireMFAAgainAfterChallengeCleared(t *testing.T) {
	flags := &mfaFlags{pending: make(map[string]bool)}
	p, err := NewPolicyEngine(DefaultPolicyConfig(), blocklist.NewMemoryStore(), flags, alerting.NewRecorder(), nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}
	ctx := context.Background()

	if err := p.Execute(ctx, ActionRequireMFA, testEvent("ev-1")); err != nil {
		t.Fatal(err)
	}
	if !flags.isPending("coach-1") {
		t.Fatal("first high event should require MFA")
	}

	flags.clear("coach-1")
	if err := p.Execute(ctx, ActionRequireMFA, testEvent("ev-2")); err != nil {
		t.Fatal(err)
	}
	if !flags.isPending("coach-1") {
		t.Error("a later high event should require MFA again once the challenge was cleared")
	}

	// Repeating against a still-pending flag leaves it set.
	if err := p.Execute(ctx, ActionRequireMFA, testEvent("ev-3")); err != nil {
		t.Fatal(err)
	}
	if !flags.isPending("coach-1") {
		t.Error("flag should stay set")
	}
}
