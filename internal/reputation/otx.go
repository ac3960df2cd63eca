package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultOTXConfig returns sensible defaults.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		APIKeyEnv: "OTX_API_KEY",
		BaseURL:   otxDefaultBaseURL,
		Timeout:   5 * time.Second,
		CacheTTL:  time.Hour,
	}
}

type otxGeneral struct {
	Indicator   string `json:"indicator"`
	Reputation  int    `json:"reputation"`
	CountryCode string `json:"country_code,omitempty"`
	PulseInfo   struct {
		Count  int `json:"count"`
		Pulses []struct {
			ID   string   `json:"id"`
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		} `json:"pulses"`
	} `json:"pulse_info"`
}

type cacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// OTX resolves reputation from AlienVault OTX indicator pulses.
type OTX struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewOTX creates an OTX-backed service. The API key is read from the env var
// named in the config.
func NewOTX(config OTXConfig) (*OTX, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOTXConfig().Timeout
	}

	return &OTX{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}, nil
}

// Lookup implements Service. Private addresses are never sent upstream.
func (o *OTX) Lookup(ctx context.Context, ip string) (Verdict, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return neutral(ip), fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if IsPrivate(ip) {
		return Verdict{IP: ip, Rating: RatingGood, Score: -1, Source: "local", CheckedAt: o.now().UTC()}, nil
	}

	key := parsed.String()
	if v, ok := o.cached(key); ok {
		return v, nil
	}

	kind := "IPv4"
	if parsed.To4() == nil {
		kind = "IPv6"
	}
	path := fmt.Sprintf("/indicators/%s/%s/general", kind, url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(o.config.BaseURL, "/")+otxAPIPath+path, nil)
	if err != nil {
		return neutral(ip), fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", o.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TacticGuard/1.0")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return neutral(ip), fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		v := Verdict{IP: key, Rating: RatingNeutral, Source: "otx", CheckedAt: o.now().UTC()}
		o.store(key, v)
		return v, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return neutral(ip), fmt.Errorf("OTX returned %d: %s", resp.StatusCode, string(body))
	}

	var general otxGeneral
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return neutral(ip), fmt.Errorf("decoding OTX response: %w", err)
	}

	score := pulseScore(general.PulseInfo.Count)
	var tags []string
	seen := make(map[string]bool)
	for _, p := range general.PulseInfo.Pulses {
		for _, tag := range p.Tags {
			tag = strings.ToLower(tag)
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}

	v := Verdict{
		IP:        key,
		Score:     score,
		Rating:    RatingFor(score),
		Tags:      tags,
		Country:   general.CountryCode,
		Source:    "otx",
		CheckedAt: o.now().UTC(),
	}
	o.store(key, v)
	return v, nil
}

// pulseScore maps the number of pulses referencing an address to a score.
func pulseScore(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count >= 10:
		return 0.95
	case count >= 5:
		return 0.8
	case count >= 2:
		return 0.6
	default:
		return 0.4
	}
}

func (o *OTX) cached(key string) (Verdict, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.cache[key]
	if !ok || o.now().After(e.expiresAt) {
		return Verdict{}, false
	}
	return e.verdict, true
}

func (o *OTX) store(key string, v Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[key] = cacheEntry{verdict: v, expiresAt: o.now().Add(o.config.CacheTTL)}
}

// PruneCache drops expired entries.
func (o *OTX) PruneCache() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	n := 0
	for k, e := range o.cache {
		if now.After(e.expiresAt) {
			delete(o.cache, k)
			n++
		}
	}
	return n
}
