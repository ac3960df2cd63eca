package orchestrator

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/threat"
)

// System status values.
const (
	StatusSecure   = "secure"
	StatusElevated = "elevated"
	StatusCritical = "critical"
)

// Dashboard recommendation texts.
const (
	RecommendInvestigate = "Investigate unmitigated high-severity threats"
	RecommendBlocklist   = "Review blocked IP addresses and locked accounts"
	RecommendCompliance  = "Review the compliance report recommendations"
	RecommendAuditRetry  = "Audit log writes are failing; check the compliance store"
	RecommendNone        = "No action required"
)

// vulnerabilityWeight is each unmitigated event's contribution to the
// vulnerability score.
var vulnerabilityWeight = map[threat.Level]float64{
	threat.LevelLow:      1,
	threat.LevelMedium:   5,
	threat.LevelHigh:     15,
	threat.LevelCritical: 25,
}

// Dashboard is a read-only security overview.
type Dashboard struct {
	SystemStatus       string         `json:"system_status"`
	ActiveThreats      int            `json:"active_threats"`
	BlockedAttacks     int64          `json:"blocked_attacks"`
	ComplianceScore    float64        `json:"compliance_score"`
	VulnerabilityScore float64        `json:"vulnerability_score"`
	RecentEvents       []threat.Event `json:"recent_events"`
	Recommendations    []string       `json:"recommendations"`
	BlockedIPs         int            `json:"blocked_ips"`
	LockedAccounts     int            `json:"locked_accounts"`
	PendingAuditLogs   int            `json:"pending_audit_logs"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// Dashboard aggregates threat, block-list and compliance state. It has no
// side effects.
func (o *Orchestrator) Dashboard(ctx context.Context) *Dashboard {
	now := o.now().UTC()
	stats := o.threats.Stats(ctx)

	d := &Dashboard{
		ActiveThreats:    stats.ActiveThreats,
		BlockedAttacks:   o.blocked.Load(),
		BlockedIPs:       stats.BlockedIPs,
		LockedAccounts:   stats.LockedAccounts,
		PendingAuditLogs: o.PendingLogs(),
		RecentEvents:     o.threats.Events(threat.EventFilter{Limit: o.config.RecentEvents}),
		GeneratedAt:      now,
	}

	score, err := o.audit.Score(ctx)
	if err != nil {
		o.logger.Warn("Compliance score unavailable", zap.Error(err))
	}
	d.ComplianceScore = score

	severe := 0
	critical := false
	vuln := 0.0
	for _, ev := range o.threats.Events(threat.EventFilter{Since: now.Add(-24 * time.Hour), Unmitigated: true}) {
		vuln += vulnerabilityWeight[ev.Level]
		if ev.Level.Blocking() {
			severe++
		}
		if ev.Level == threat.LevelCritical {
			critical = true
		}
	}
	d.VulnerabilityScore = math.Min(100, vuln)

	switch {
	case critical:
		d.SystemStatus = StatusCritical
	case severe > 0 || d.VulnerabilityScore >= 50:
		d.SystemStatus = StatusElevated
	default:
		d.SystemStatus = StatusSecure
	}

	if severe > 0 {
		d.Recommendations = append(d.Recommendations, RecommendInvestigate)
	}
	if d.BlockedIPs+d.LockedAccounts > 0 {
		d.Recommendations = append(d.Recommendations, RecommendBlocklist)
	}
	if err == nil && score < 80 {
		d.Recommendations = append(d.Recommendations, RecommendCompliance)
	}
	if d.PendingAuditLogs > 0 {
		d.Recommendations = append(d.Recommendations, RecommendAuditRetry)
	}
	if len(d.Recommendations) == 0 {
		d.Recommendations = []string{RecommendNone}
	}
	return d
}
