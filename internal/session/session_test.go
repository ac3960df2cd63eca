package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("session-secret-for-tests-32bytes")

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	m, err := NewManager(testSecret, cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := m.AddUser("coach", "correct horse", "coach", "team-a", []string{"view-formations"}); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	return m
}

func login(t *testing.T, m *Manager, ip string) *AuthResult {
	t.Helper()
	res, err := m.Authenticate(context.Background(), Credentials{Username: "coach", Password: "correct horse", IP: ip})
	if err != nil || !res.Success {
		t.Fatalf("login failed: %v %+v", err, res)
	}
	return res
}

func TestNewManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewManager([]byte("short"), DefaultConfig(), nil); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("expected ErrWeakSecret, got %v", err)
	}
}

func TestAddUserDuplicate(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AddUser("coach", "x", "coach", "", nil); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

// =============================================================================
// Authentication Tests
// =============================================================================

func TestAuthenticate(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name     string
		username string
		password string
		ok       bool
	}{
		{"valid", "coach", "correct horse", true},
		{"wrong password", "coach", "battery staple", false},
		{"unknown user", "nobody", "correct horse", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Authenticate(context.Background(), Credentials{Username: tt.username, Password: tt.password, IP: "192.0.2.10"})
			if err != nil {
				t.Fatalf("Authenticate returned error: %v", err)
			}
			if res.Success != tt.ok {
				t.Fatalf("expected success=%v, got %+v", tt.ok, res)
			}
			if !tt.ok && (res.Token != "" || res.SessionID != "") {
				t.Error("failed login must not issue a session")
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	res := login(t, m, "192.0.2.10")

	claims, err := m.ParseToken(res.Token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.ID != res.SessionID || claims.Subject != res.UserID || claims.Role != "coach" || claims.TeamID != "team-a" {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := m.ParseToken(res.Token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for tampered token, got %v", err)
	}

	if err := m.TerminateSession(context.Background(), res.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ParseToken(res.Token); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive after termination, got %v", err)
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidateSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	res := login(t, m, "192.0.2.10")

	v, err := m.ValidateSession(ctx, res.SessionID, "192.0.2.10")
	if err != nil || !v.Valid || len(v.Flags) != 0 {
		t.Fatalf("expected clean valid session, got %+v %v", v, err)
	}

	v, _ = m.ValidateSession(ctx, res.SessionID, "198.51.100.7")
	if !v.Valid || len(v.Flags) != 1 || v.Flags[0] != FlagIPChanged {
		t.Errorf("expected ip_changed flag, got %+v", v)
	}

	if err := m.RequireMFA(ctx, res.UserID); err != nil {
		t.Fatal(err)
	}
	v, _ = m.ValidateSession(ctx, res.SessionID, "192.0.2.10")
	if !v.Valid || len(v.Flags) != 1 || v.Flags[0] != FlagMFARequired {
		t.Errorf("expected mfa_required flag, got %+v", v)
	}
	if again := login(t, m, "192.0.2.10"); !again.MFARequired {
		t.Error("new sessions should inherit the MFA requirement")
	}
	m.ClearMFA(res.UserID)
	if v, _ = m.ValidateSession(ctx, res.SessionID, "192.0.2.10"); len(v.Flags) != 0 {
		t.Errorf("expected flags cleared, got %v", v.Flags)
	}

	if v, _ = m.ValidateSession(ctx, "missing", ""); v.Valid {
		t.Error("unknown session must be invalid")
	}
}

func TestValidateSessionExpiry(t *testing.T) {
	m := newTestManager(t)
	res := login(t, m, "192.0.2.10")

	m.now = func() time.Time { return time.Now().Add(9 * time.Hour) }
	v, _ := m.ValidateSession(context.Background(), res.SessionID, "192.0.2.10")
	if v.Valid || v.Reason != "session expired" {
		t.Errorf("expected expired session, got %+v", v)
	}
	if _, err := m.ParseToken(res.Token); err == nil {
		t.Error("expired token must not parse")
	}
	if n := m.PruneExpired(m.now()); n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
}

func TestTerminateSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	res := login(t, m, "192.0.2.10")

	for i := 0; i < 2; i++ {
		if err := m.TerminateSession(ctx, res.SessionID); err != nil {
			t.Fatalf("TerminateSession #%d failed: %v", i+1, err)
		}
	}
	if v, _ := m.ValidateSession(ctx, res.SessionID, "192.0.2.10"); v.Valid {
		t.Error("terminated session must be invalid")
	}
	if m.ActiveSessions() != 0 {
		t.Error("expected no active sessions")
	}
	if err := m.TerminateSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

// =============================================================================
// User Data Tests
// =============================================================================

func TestUserDataErasure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	res := login(t, m, "192.0.2.10")

	data, err := m.CollectUserData(ctx, res.UserID)
	if err != nil || data == nil {
		t.Fatalf("CollectUserData failed: %v", err)
	}

	if err := m.EraseUserData(ctx, res.UserID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.User(res.UserID); ok {
		t.Error("user should be erased")
	}
	if v, _ := m.ValidateSession(ctx, res.SessionID, "192.0.2.10"); v.Valid {
		t.Error("sessions should be erased")
	}
	if r, _ := m.Authenticate(ctx, Credentials{Username: "coach", Password: "correct horse"}); r.Success {
		t.Error("erased user must not log in")
	}
}
