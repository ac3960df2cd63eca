package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// HECConfig holds Splunk HTTP Event Collector settings.
type HECConfig struct {
	URL          string        `yaml:"url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultHECConfig returns sensible defaults.
func DefaultHECConfig() HECConfig {
	return HECConfig{
		TokenEnv:     "TACTICGUARD_HEC_TOKEN",
		Index:        "tacticguard_security",
		SourceType:   "tacticguard:alert",
		Source:       "tacticguard",
		Timeout:      10 * time.Second,
		RetryCount:   2,
		RetryBackoff: time.Second,
	}
}

// HECStats tracks delivery counters.
type HECStats struct {
	AlertsSent   int64
	AlertsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

type hecEvent struct {
	Time       float64        `json:"time"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      Alert          `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECNotifier posts alerts to a Splunk HEC endpoint.
type HECNotifier struct {
	config     HECConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      HECStats
}

// NewHECNotifier reads the token from the configured env var.
func NewHECNotifier(config HECConfig) (*HECNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHECConfig().Timeout
	}

	return &HECNotifier{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Notify sends one alert.
func (h *HECNotifier) Notify(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(hecEvent{
		Time:       float64(alert.Timestamp.Unix()),
		Source:     h.config.Source,
		SourceType: h.config.SourceType,
		Index:      h.config.Index,
		Event:      alert,
		Fields: map[string]any{
			"kind":        alert.Kind,
			"level":       alert.Level,
			"threat_type": alert.ThreatType,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * h.config.RetryBackoff):
			}
		}
		if lastErr = h.send(ctx, data); lastErr == nil {
			return nil
		}
	}

	h.mu.Lock()
	h.stats.AlertsFailed++
	h.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", h.config.RetryCount, lastErr)
}

func (h *HECNotifier) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(h.config.URL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	h.mu.Lock()
	h.stats.AlertsSent++
	h.stats.BytesSent += int64(len(data))
	h.stats.LastSendAt = time.Now()
	h.mu.Unlock()

	return nil
}

// Stats returns current delivery statistics.
func (h *HECNotifier) Stats() HECStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// HealthCheck verifies connectivity to the collector.
func (h *HECNotifier) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(h.config.URL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HEC returned status %d", resp.StatusCode)
	}
	return nil
}
