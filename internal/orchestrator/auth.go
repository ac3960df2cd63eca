package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
)

const authPath = "/auth/login"

// AuthRequest is a login attempt.
type AuthRequest struct {
	Username  string            `json:"username"`
	Password  string            `json:"-"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent,omitempty"`
	Location  string            `json:"location,omitempty"`
	Device    string            `json:"device,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// AuthenticationResult is the outcome of Authenticate. RequiresLockout is
// set when the attempt was refused before the credentials were checked.
type AuthenticationResult struct {
	Success         bool         `json:"success"`
	UserID          string       `json:"user_id,omitempty"`
	SessionID       string       `json:"session_id,omitempty"`
	Token           string       `json:"token,omitempty"`
	ExpiresAt       time.Time    `json:"expires_at,omitempty"`
	MFARequired     bool         `json:"mfa_required"`
	RequiresLockout bool         `json:"requires_lockout"`
	ThreatLevel     threat.Level `json:"threat_level,omitempty"`
	SecurityFlags   []string     `json:"security_flags,omitempty"`
	Errors          []string     `json:"errors,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	OperationID     string       `json:"operation_id"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Authenticate checks a login attempt. A critical threat finding or a
// blocked IP refuses the attempt without calling the session layer. Every
// attempt is recorded in the audit log whatever its outcome.
func (o *Orchestrator) Authenticate(ctx context.Context, req AuthRequest) *AuthenticationResult {
	sc := SecurityContext{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Location:  req.Location,
		Device:    req.Device,
		Headers:   req.Headers,
	}
	ctx, r := o.begin(ctx, "orchestrator.Authenticate", "authenticate", sc)

	out := &AuthenticationResult{
		OperationID: r.res.OperationID,
		Timestamp:   r.res.Timestamp,
	}
	action := o.authenticate(ctx, r, req, out)

	o.logCompliance(ctx, r, compliance.ProcessingRecord{
		UserID:          out.UserID,
		Action:          action,
		Category:        compliance.CategoryPersonal,
		DataType:        "credentials",
		Purpose:         "authentication",
		Basis:           compliance.BasisLegitimateInterests,
		Encrypted:       true,
		StorageLocation: "session_store",
		Details: map[string]any{
			"operation_id":     r.res.OperationID,
			"threat_level":     string(out.ThreatLevel),
			"requires_lockout": out.RequiresLockout,
		},
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})

	out.SecurityFlags = r.res.SecurityFlags
	out.Warnings = append(out.Warnings, r.res.Warnings...)
	if out.Success {
		r.succeed(nil)
	} else {
		stage := ""
		if out.RequiresLockout {
			stage = "lockout"
		}
		r.fail(stage, out.Errors...)
	}
	return out
}

// authenticate runs the stages and returns the audit action.
func (o *Orchestrator) authenticate(ctx context.Context, r *run, req AuthRequest, out *AuthenticationResult) string {
	if req.IP != "" {
		blocked, err := o.threats.IsIPBlocked(ctx, req.IP)
		if err != nil {
			o.logger.Warn("IP block-list check failed", zap.String("ip", req.IP), zap.Error(err))
		} else if blocked {
			r.res.flag("ip_blocked")
			o.blocked.Add(1)
			out.RequiresLockout = true
			out.Errors = []string{MsgBlocked}
			return "authentication_blocked"
		}
	}

	r.stage("threat_analysis")
	rc := o.requestContext(SecurityContext{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Location:  req.Location,
		Device:    req.Device,
		Headers:   req.Headers,
	}, "POST", authPath, "username="+req.Username, 0)
	for _, ev := range o.threats.Analyze(ctx, rc) {
		out.ThreatLevel = threat.Max(out.ThreatLevel, ev.Level)
		o.telemetry.RecordThreat(string(ev.Type), string(ev.Level))
		if ev.Level.Blocking() {
			r.res.flag("threat_detected:" + string(ev.Type))
		}
	}
	r.res.ThreatLevel = out.ThreatLevel
	if out.ThreatLevel == threat.LevelCritical {
		o.blocked.Add(1)
		o.logger.Warn("Authentication refused by threat analysis",
			zap.String("operation_id", out.OperationID),
			zap.String("ip", req.IP),
		)
		out.RequiresLockout = true
		out.Errors = []string{MsgBlocked}
		return "authentication_blocked"
	}

	r.stage("credential_check")
	res, err := o.sessions.Authenticate(ctx, session.Credentials{
		Username:  req.Username,
		Password:  req.Password,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		o.logger.Error("Session layer authentication error", zap.String("ip", req.IP), zap.Error(err))
		out.Errors = []string{MsgAuthFailed}
		return "authentication_failed"
	}
	if !res.Success {
		if req.IP != "" {
			n := o.threats.RecordFailedLogin(req.IP, rc.Timestamp)
			o.logger.Debug("Failed login recorded", zap.String("ip", req.IP), zap.Int("attempts", n))
		}
		out.Errors = []string{MsgAuthFailed}
		return "authentication_failed"
	}

	out.Success = true
	out.UserID = res.UserID
	out.SessionID = res.SessionID
	out.Token = res.Token
	out.ExpiresAt = res.ExpiresAt
	out.MFARequired = res.MFARequired
	if res.MFARequired {
		out.Warnings = append(out.Warnings, "multi-factor authentication required")
	}
	return "authentication_succeeded"
}
