package reputation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// OTX Tests
// =============================================================================

func newTestOTX(t *testing.T, handler http.HandlerFunc) *OTX {
	t.Helper()
	t.Setenv("TEST_OTX_KEY", "test-api-key")

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultOTXConfig()
	cfg.APIKeyEnv = "TEST_OTX_KEY"
	cfg.BaseURL = server.URL

	o, err := NewOTX(cfg)
	if err != nil {
		t.Fatalf("NewOTX failed: %v", err)
	}
	return o
}

func TestNewOTX_MissingAPIKey(t *testing.T) {
	cfg := DefaultOTXConfig()
	cfg.APIKeyEnv = "TEST_OTX_KEY_UNSET"

	_, err := NewOTX(cfg)
	if err == nil || !strings.Contains(err.Error(), "OTX API key not found") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestOTXLookup_MaliciousAndCached(t *testing.T) {
	var calls int32
	o := newTestOTX(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-OTX-API-KEY") != "test-api-key" {
			t.Errorf("missing api key header")
		}
		if r.URL.Path != "/api/v1/indicators/IPv4/203.0.113.5/general" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"indicator":"203.0.113.5","country_code":"NL",
			"pulse_info":{"count":6,"pulses":[{"id":"p1","tags":["Scanner","botnet"]},{"id":"p2","tags":["scanner"]}]}}`))
	})

	ctx := context.Background()
	v, err := o.Lookup(ctx, "203.0.113.5")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if v.Rating != RatingMalicious {
		t.Errorf("expected malicious, got %s (score %.2f)", v.Rating, v.Score)
	}
	if len(v.Tags) != 2 || v.Country != "NL" {
		t.Errorf("unexpected verdict: %+v", v)
	}

	if _, err := o.Lookup(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("cached Lookup failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestOTXLookup_NotFoundIsNeutral(t *testing.T) {
	o := newTestOTX(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	v, err := o.Lookup(context.Background(), "198.51.100.9")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if v.Rating != RatingNeutral {
		t.Errorf("expected neutral, got %s", v.Rating)
	}
}

func TestOTXLookup_PrivateAddressNotSent(t *testing.T) {
	o := newTestOTX(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("private address must not be looked up upstream")
	})

	for _, ip := range []string{"10.0.0.1", "192.168.1.20", "127.0.0.1"} {
		v, err := o.Lookup(context.Background(), ip)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", ip, err)
		}
		if v.Rating != RatingGood {
			t.Errorf("%s: expected good, got %s", ip, v.Rating)
		}
	}
}

func TestOTXLookup_InvalidIP(t *testing.T) {
	o := newTestOTX(t, func(w http.ResponseWriter, r *http.Request) {})

	if _, err := o.Lookup(context.Background(), "not-an-ip"); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("expected ErrInvalidIP, got %v", err)
	}
}

func TestOTXPruneCache(t *testing.T) {
	o := newTestOTX(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	now := time.Now()
	o.now = func() time.Time { return now }

	o.Lookup(context.Background(), "198.51.100.10")
	now = now.Add(2 * time.Hour)

	if n := o.PruneCache(); n != 1 {
		t.Errorf("expected 1 pruned entry, got %d", n)
	}
}

// =============================================================================
// Guarded / Static Tests
// =============================================================================

type failingService struct{ calls int32 }

func (f *failingService) Lookup(context.Context, string) (Verdict, error) {
	atomic.AddInt32(&f.calls, 1)
	return Verdict{}, errors.New("upstream down")
}

func TestGuarded_FallsBackToNeutral(t *testing.T) {
	inner := &failingService{}
	g := NewGuarded(inner, 2, time.Hour, time.Second, nil)

	for i := 0; i < 4; i++ {
		v, err := g.Lookup(context.Background(), "203.0.113.1")
		if err == nil {
			t.Fatal("expected error")
		}
		if v.Rating != RatingNeutral {
			t.Errorf("expected neutral fallback, got %s", v.Rating)
		}
	}

	if atomic.LoadInt32(&inner.calls) != 2 {
		t.Errorf("breaker should stop calls after 2 failures, got %d", inner.calls)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]float64{"203.0.113.66": 0.9})

	v, _ := s.Lookup(context.Background(), "203.0.113.66")
	if v.Rating != RatingMalicious {
		t.Errorf("expected malicious, got %s", v.Rating)
	}
	v, _ = s.Lookup(context.Background(), "203.0.113.67")
	if v.Rating != RatingNeutral {
		t.Errorf("expected neutral, got %s", v.Rating)
	}
}
