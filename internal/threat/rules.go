package threat

import (
	"fmt"
	"time"
)

// Rule identifiers for the built-in analyzers.
const (
	RuleSQLInjection     = "sql_injection"
	RuleXSS              = "xss"
	RuleBruteForce       = "brute_force"
	RuleAnomalous        = "anomalous_behavior"
	RuleDataExfiltration = "data_exfiltration"
)

// DetectionRule configures one analyzer.
type DetectionRule struct {
	ID         string             `yaml:"id" json:"id"`
	Name       string             `yaml:"name" json:"name"`
	Enabled    bool               `yaml:"enabled" json:"enabled"`
	Parameters map[string]float64 `yaml:"parameters" json:"parameters"`
	Threshold  float64            `yaml:"threshold" json:"threshold"`
	Window     time.Duration      `yaml:"window" json:"window"`
	Actions    []Action           `yaml:"actions" json:"actions"`
	UpdatedAt  time.Time          `yaml:"updated_at" json:"updated_at"`
}

// Param returns the named parameter or def.
func (r DetectionRule) Param(name string, def float64) float64 {
	if v, ok := r.Parameters[name]; ok {
		return v
	}
	return def
}

func (r DetectionRule) clone() DetectionRule {
	c := r
	c.Parameters = make(map[string]float64, len(r.Parameters))
	for k, v := range r.Parameters {
		c.Parameters[k] = v
	}
	c.Actions = append([]Action(nil), r.Actions...)
	return c
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			ID:         RuleSQLInjection,
			Name:       "SQL injection signatures",
			Enabled:    true,
			Parameters: map[string]float64{"weight": 0.3},
		},
		{
			ID:         RuleXSS,
			Name:       "Cross-site scripting signatures",
			Enabled:    true,
			Parameters: map[string]float64{"weight": 0.3},
		},
		{
			ID:         RuleBruteForce,
			Name:       "Failed authentication burst",
			Enabled:    true,
			Threshold:  10,
			Window:     5 * time.Minute,
			Parameters: map[string]float64{"saturation": 20, "base_confidence": 0.7},
		},
		{
			ID:      RuleAnomalous,
			Name:    "Deviation from behavior profile",
			Enabled: true,
			Window:  time.Minute,
			Parameters: map[string]float64{
				"rapid_actions":    50,
				"hour_weight":      0.3,
				"location_weight":  0.4,
				"rapid_weight":     0.5,
				"min_observations": 1,
			},
		},
		{
			ID:        RuleDataExfiltration,
			Name:      "Excessive or unusual exports",
			Enabled:   true,
			Threshold: 10,
			Window:    time.Hour,
			Parameters: map[string]float64{
				"max_payload_bytes":  10 * 1024 * 1024,
				"after_hours_start":  22,
				"after_hours_end":    6,
				"volume_weight":      0.5,
				"size_weight":        0.4,
				"after_hours_weight": 0.2,
			},
		},
	}
}

// RuleOverride is the configuration form of a rule change. Unset fields keep
// the base value.
type RuleOverride struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Enabled    *bool              `yaml:"enabled"`
	Parameters map[string]float64 `yaml:"parameters"`
	Threshold  float64            `yaml:"threshold"`
	Window     time.Duration      `yaml:"window"`
	Actions    []Action           `yaml:"actions"`
}

// MergeRules overlays overrides onto base by rule ID. Parameters merge key by
// key.
func MergeRules(base []DetectionRule, overrides []RuleOverride) ([]DetectionRule, error) {
	out := make([]DetectionRule, 0, len(base))
	index := make(map[string]int, len(base))
	for _, r := range base {
		index[r.ID] = len(out)
		out = append(out, r.clone())
	}

	for _, o := range overrides {
		i, ok := index[o.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, o.ID)
		}
		r := &out[i]
		if o.Enabled != nil {
			r.Enabled = *o.Enabled
		}
		if o.Name != "" {
			r.Name = o.Name
		}
		if o.Threshold != 0 {
			r.Threshold = o.Threshold
		}
		if o.Window != 0 {
			r.Window = o.Window
		}
		for k, v := range o.Parameters {
			r.Parameters[k] = v
		}
		if len(o.Actions) > 0 {
			r.Actions = append([]Action(nil), o.Actions...)
		}
	}
	return out, nil
}
