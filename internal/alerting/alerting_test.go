package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// HEC Notifier Tests
// =============================================================================

func TestHECNotifier_SendsAuthorizedEvent(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "hec-secret")

	var got hecEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/event" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Splunk hec-secret" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultHECConfig()
	cfg.URL = server.URL
	cfg.TokenEnv = "TEST_HEC_TOKEN"

	n, err := NewHECNotifier(cfg)
	if err != nil {
		t.Fatalf("NewHECNotifier failed: %v", err)
	}

	alert := NewAlert(KindEscalate, "evt-1", "sql_injection", "critical")
	if err := n.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if got.Event.EventID != "evt-1" || got.Index != "tacticguard_security" {
		t.Errorf("unexpected event: %+v", got)
	}
	if n.Stats().AlertsSent != 1 {
		t.Errorf("expected 1 sent, got %d", n.Stats().AlertsSent)
	}
}

func TestHECNotifier_RetriesThenFails(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "hec-secret")

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultHECConfig()
	cfg.URL = server.URL
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	cfg.RetryCount = 2
	cfg.RetryBackoff = time.Millisecond

	n, err := NewHECNotifier(cfg)
	if err != nil {
		t.Fatalf("NewHECNotifier failed: %v", err)
	}

	if err := n.Notify(context.Background(), NewAlert(KindAlert, "evt-2", "xss", "medium")); err == nil {
		t.Fatal("expected error from failing collector")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if n.Stats().AlertsFailed != 1 {
		t.Errorf("expected 1 failure, got %d", n.Stats().AlertsFailed)
	}
}

func TestNewHECNotifier_RequiresToken(t *testing.T) {
	cfg := DefaultHECConfig()
	cfg.URL = "http://localhost:8088"
	cfg.TokenEnv = "TEST_HEC_TOKEN_UNSET"

	if _, err := NewHECNotifier(cfg); err == nil {
		t.Error("expected error when token env var is empty")
	}
}

// =============================================================================
// Breaker Tests
// =============================================================================

func TestBreakerNotifier_OpensAfterFailures(t *testing.T) {
	rec := NewRecorder()
	rec.FailWith(errors.New("down"))

	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	b := NewBreakerNotifier("test", rec, cfg, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Notify(ctx, NewAlert(KindAlert, "e", "xss", "low")); err == nil {
			t.Fatal("expected failure")
		}
	}

	err := b.Notify(ctx, NewAlert(KindAlert, "e", "xss", "low"))
	if !errors.Is(err, ErrNotifierUnavailable) {
		t.Fatalf("expected ErrNotifierUnavailable, got %v", err)
	}
	if b.State() != "open" {
		t.Errorf("expected open breaker, got %s", b.State())
	}
}

func TestMultiNotifier(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.FailWith(errors.New("a down"))

	err := Multi{a, b, NewLogNotifier(nil)}.Notify(context.Background(), NewAlert(KindAlert, "e", "ddos", "high"))
	if err == nil {
		t.Error("expected first error to be returned")
	}
	if len(b.Alerts()) != 1 {
		t.Error("remaining notifiers should still be called")
	}
}
