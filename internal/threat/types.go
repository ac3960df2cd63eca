// Package threat turns request contexts into scored threat events, keeps
// per-user behavior profiles and drives the response policy.
package threat

import (
	"time"
)

// Type enumerates the threat categories.
type Type string

const (
	TypeBruteForce          Type = "brute_force"
	TypeSQLInjection        Type = "sql_injection"
	TypeXSS                 Type = "xss"
	TypeCSRF                Type = "csrf"
	TypeDataExfiltration    Type = "data_exfiltration"
	TypeInsiderThreat       Type = "insider_threat"
	TypeAnomalousBehavior   Type = "anomalous_behavior"
	TypeUnauthorizedAccess  Type = "unauthorized_access"
	TypePrivilegeEscalation Type = "privilege_escalation"
	TypeMalware             Type = "malware"
	TypeDDoS                Type = "ddos"
	TypeSocialEngineering   Type = "social_engineering"
)

// Level is the severity of an event.
type Level string

const (
	LevelNone     Level = ""
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Levels lists every level from least to most severe.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Rank orders levels. LevelNone ranks lowest.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Blocking reports whether the level aborts a secured operation.
func (l Level) Blocking() bool {
	return l.Rank() >= LevelHigh.Rank()
}

// Max returns the more severe of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// LevelThresholds maps confidence to level.
type LevelThresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// DefaultLevelThresholds returns 0.9 / 0.7 / 0.5.
func DefaultLevelThresholds() LevelThresholds {
	return LevelThresholds{Critical: 0.9, High: 0.7, Medium: 0.5}
}

// LevelFor maps a confidence score to a level.
func (t LevelThresholds) LevelFor(confidence float64) Level {
	switch {
	case confidence >= t.Critical:
		return LevelCritical
	case confidence >= t.High:
		return LevelHigh
	case confidence >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// IndicatorKind classifies how an indicator was produced.
type IndicatorKind string

const (
	IndicatorSignature   IndicatorKind = "signature"
	IndicatorBehavioral  IndicatorKind = "behavioral"
	IndicatorStatistical IndicatorKind = "statistical"
)

// Indicator is a single piece of evidence inside an event.
type Indicator struct {
	Kind       IndicatorKind `json:"kind"`
	Name       string        `json:"name"`
	Value      string        `json:"value"`
	Confidence float64       `json:"confidence"`
	Severity   Level         `json:"severity"`
}

// Source describes who or what produced the request.
type Source struct {
	Kind       string  `json:"kind"` // ip | user
	ID         string  `json:"id"`
	IP         string  `json:"ip,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	Reputation float64 `json:"reputation"`
	Rating     string  `json:"rating,omitempty"`
	Location   string  `json:"location,omitempty"`
	Device     string  `json:"device,omitempty"`
}

// Target describes the resource under attack.
type Target struct {
	Kind          string `json:"kind"`
	ID            string `json:"id"`
	Criticality   Level  `json:"criticality"`
	BusinessValue string `json:"business_value"`
}

// RequestContext is everything the analyzers know about one request.
type RequestContext struct {
	IP          string            `json:"ip"`
	UserID      string            `json:"user_id,omitempty"`
	Role        string            `json:"role,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	Payload     string            `json:"payload,omitempty"`
	PayloadSize int64             `json:"payload_size"`
	Headers     map[string]string `json:"headers,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Location    string            `json:"location,omitempty"`
	Device      string            `json:"device,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Event is a detected, scored security concern tied to one request. Only
// Mitigated changes after creation.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          Type           `json:"type"`
	Level         Level          `json:"level"`
	Confidence    float64        `json:"confidence"`
	RuleID        string         `json:"rule_id"`
	Source        Source         `json:"source"`
	Target        Target         `json:"target"`
	Description   string         `json:"description"`
	Indicators    []Indicator    `json:"indicators"`
	Actions       []Action       `json:"actions"`
	Mitigated     bool           `json:"mitigated"`
	Context       RequestContext `json:"context"`
	RelatedEvents []string       `json:"related_events,omitempty"`
}

func (e *Event) clone() Event {
	c := *e
	c.Indicators = append([]Indicator(nil), e.Indicators...)
	c.Actions = append([]Action(nil), e.Actions...)
	c.RelatedEvents = append([]string(nil), e.RelatedEvents...)
	if e.Context.Headers != nil {
		c.Context.Headers = make(map[string]string, len(e.Context.Headers))
		for k, v := range e.Context.Headers {
			c.Context.Headers[k] = v
		}
	}
	return c
}
