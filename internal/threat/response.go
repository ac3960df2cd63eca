package threat

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/blocklist"
	"github.com/lvonguyen/tacticguard/internal/keylock"
)

// Action is a concrete mitigation.
type Action string

const (
	ActionLog              Action = "log"
	ActionAlert            Action = "alert"
	ActionBlockIP          Action = "block_ip"
	ActionLockAccount      Action = "lock_account"
	ActionRequireMFA       Action = "require_mfa"
	ActionTerminateSession Action = "terminate_session"
	ActionEscalate         Action = "escalate"
	ActionQuarantine       Action = "quarantine"
)

func (a Action) valid() bool {
	switch a {
	case ActionLog, ActionAlert, ActionBlockIP, ActionLockAccount, ActionRequireMFA,
		ActionTerminateSession, ActionEscalate, ActionQuarantine:
		return true
	}
	return false
}

func (a Action) mitigates() bool {
	switch a {
	case ActionBlockIP, ActionLockAccount, ActionTerminateSession, ActionQuarantine:
		return true
	}
	return false
}

// ledgered reports whether repeats are suppressed by the execution ledger.
// Set-backed actions check the store instead, and require_mfa must fire again
// once the user has cleared a challenge; setting the flag twice is harmless.
func (a Action) ledgered() bool {
	if _, ok := listKind(a); ok {
		return false
	}
	return a != ActionRequireMFA
}

// SessionController is the session layer's side of the response engine.
type SessionController interface {
	TerminateSession(ctx context.Context, sessionID string) error
	RequireMFA(ctx context.Context, userID string) error
}

// PolicyConfig holds response engine settings.
type PolicyConfig struct {
	PolicyFile     string        `yaml:"policy_file"`
	BlockIPTTL     time.Duration `yaml:"block_ip_ttl"`
	LockAccountTTL time.Duration `yaml:"lock_account_ttl"`
	QuarantineTTL  time.Duration `yaml:"quarantine_ttl"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// DefaultPolicyConfig returns sensible defaults. A zero TTL means the entry
// stays until removed.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		BlockIPTTL:     24 * time.Hour,
		LockAccountTTL: 0,
		QuarantineTTL:  7 * 24 * time.Hour,
		CallTimeout:    5 * time.Second,
	}
}

// PolicyTable is the type x level action mapping. Levels holds the actions
// every threat type gets at that level; Types adds type-specific actions.
type PolicyTable struct {
	Levels map[Level][]Action          `yaml:"levels"`
	Types  map[Level]map[Type][]Action `yaml:"types"`
}

// DefaultPolicyTable returns the built-in escalation table.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Levels: map[Level][]Action{
			LevelLow:      {ActionLog},
			LevelMedium:   {ActionLog, ActionAlert},
			LevelHigh:     {ActionLog, ActionAlert, ActionRequireMFA},
			LevelCritical: {ActionLog, ActionAlert, ActionEscalate, ActionRequireMFA},
		},
		Types: map[Level]map[Type][]Action{
			LevelHigh: {
				TypeBruteForce: {ActionBlockIP},
			},
			LevelCritical: {
				TypeBruteForce:       {ActionBlockIP},
				TypeSQLInjection:     {ActionBlockIP},
				TypeInsiderThreat:    {ActionLockAccount, ActionTerminateSession},
				TypeDataExfiltration: {ActionLockAccount, ActionTerminateSession},
			},
		},
	}
}

func (t PolicyTable) actionsFor(tt Type, l Level) []Action {
	return mergeActions(t.Levels[l], t.Types[l][tt])
}

// validate enforces that every level logs and that actions only accumulate
// as the level rises, for the generic row and for every typed row.
func (t PolicyTable) validate() error {
	types := map[Type]bool{"": true}
	for _, byType := range t.Types {
		for tt, actions := range byType {
			types[tt] = true
			for _, a := range actions {
				if !a.valid() {
					return fmt.Errorf("%w: %w %q", ErrInvalidPolicy, ErrUnknownAction, a)
				}
			}
		}
	}
	for _, l := range Levels {
		has := false
		for _, a := range t.Levels[l] {
			if !a.valid() {
				return fmt.Errorf("%w: %w %q", ErrInvalidPolicy, ErrUnknownAction, a)
			}
			if a == ActionLog {
				has = true
			}
		}
		if !has {
			return fmt.Errorf("%w: level %s must include %s", ErrInvalidPolicy, l, ActionLog)
		}
	}

	for tt := range types {
		for i := 1; i < len(Levels); i++ {
			lower, upper := t.actionsFor(tt, Levels[i-1]), t.actionsFor(tt, Levels[i])
			set := make(map[Action]bool, len(upper))
			for _, a := range upper {
				set[a] = true
			}
			for _, a := range lower {
				if !set[a] {
					return fmt.Errorf("%w: %s drops %s present at %s for %q",
						ErrInvalidPolicy, Levels[i], a, Levels[i-1], tt)
				}
			}
		}
	}
	return nil
}

// PolicyEngine maps events to response actions and executes them.
type PolicyEngine struct {
	config   PolicyConfig
	logger   *zap.Logger
	blocks   blocklist.Store
	sessions SessionController
	notifier alerting.Notifier

	mu    sync.RWMutex
	table PolicyTable

	execLocks keylock.Map
	execMu    sync.Mutex
	executed  map[string]time.Time

	onMitigated func(eventID string)
	now         func() time.Time
}

// NewPolicyEngine creates a policy engine. sessions and notifier may be nil;
// the corresponding actions are then logged and skipped.
func NewPolicyEngine(cfg PolicyConfig, blocks blocklist.Store, sessions SessionController, notifier alerting.Notifier, logger *zap.Logger) (*PolicyEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if blocks == nil {
		blocks = blocklist.NewMemoryStore()
	}
	if notifier == nil {
		notifier = alerting.NewLogNotifier(logger)
	}

	p := &PolicyEngine{
		config:   cfg,
		logger:   logger,
		blocks:   blocks,
		sessions: sessions,
		notifier: notifier,
		table:    DefaultPolicyTable(),
		executed: make(map[string]time.Time),
		now:      time.Now,
	}

	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		if err := p.LoadPolicy(data); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadPolicy overlays a YAML policy onto the default table. Levels given in
// the document replace the defaults for that level; typed rows replace the
// defaults for that level and type.
func (p *PolicyEngine) LoadPolicy(data []byte) error {
	var doc PolicyTable
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing policy YAML: %w", err)
	}

	next := DefaultPolicyTable()
	for l, actions := range doc.Levels {
		if l.Rank() == 0 {
			return fmt.Errorf("%w: unknown level %q", ErrInvalidPolicy, l)
		}
		next.Levels[l] = append([]Action(nil), actions...)
	}
	for l, byType := range doc.Types {
		if l.Rank() == 0 {
			return fmt.Errorf("%w: unknown level %q", ErrInvalidPolicy, l)
		}
		if next.Types[l] == nil {
			next.Types[l] = make(map[Type][]Action)
		}
		for tt, actions := range byType {
			next.Types[l][tt] = append([]Action(nil), actions...)
		}
	}
	if err := next.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.table = next
	p.mu.Unlock()

	p.logger.Info("Response policy loaded", zap.Int("levels", len(doc.Levels)))
	return nil
}

// ExportPolicy renders the active table as YAML.
func (p *PolicyEngine) ExportPolicy() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return yaml.Marshal(p.table)
}

// ActionsFor returns the ordered actions for a threat type at a level.
func (p *PolicyEngine) ActionsFor(t Type, l Level) []Action {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table.actionsFor(t, l)
}

func (p *PolicyEngine) target(action Action, ev Event) string {
	switch action {
	case ActionBlockIP:
		return ev.Source.IP
	case ActionLockAccount, ActionRequireMFA:
		return ev.Context.UserID
	case ActionTerminateSession:
		return ev.Context.SessionID
	case ActionQuarantine:
		if ev.Context.UserID != "" {
			return ev.Context.UserID
		}
		return ev.Source.IP
	default:
		return ev.ID
	}
}

// Execute performs one action for ev. Repeating an (action, target) pair is
// a no-op while the target is still in the acted-on state. Collaborator failures are logged, not returned; only block-list
// failures are returned.
func (p *PolicyEngine) Execute(ctx context.Context, action Action, ev Event) error {
	if !action.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	target := p.target(action, ev)
	if target == "" {
		p.logger.Debug("Response action has no target",
			zap.String("action", string(action)),
			zap.String("event_id", ev.ID),
		)
		return nil
	}

	key := string(action) + ":" + target
	unlock := p.execLocks.Lock(key)
	defer unlock()

	// Set-backed actions are idempotent through the store itself, so a target
	// whose block expired or was lifted can be blocked again.
	if kind, ok := listKind(action); ok {
		present, err := p.blocks.Contains(ctx, kind, target)
		if err != nil {
			return fmt.Errorf("checking %s list: %w", kind, err)
		}
		if present {
			p.mitigated(ev.ID)
			return nil
		}
	} else if action.ledgered() && p.wasExecuted(key) {
		if action.mitigates() {
			p.mitigated(ev.ID)
		}
		return nil
	}

	reason := fmt.Sprintf("%s (%s) event %s", ev.Type, ev.Level, ev.ID)

	switch action {
	case ActionLog:
		p.logger.Info("Threat response logged",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("level", string(ev.Level)),
			zap.String("description", ev.Description),
		)

	case ActionAlert, ActionEscalate:
		kind := alerting.KindAlert
		if action == ActionEscalate {
			kind = alerting.KindEscalate
		}
		alert := alerting.NewAlert(kind, ev.ID, string(ev.Type), string(ev.Level))
		alert.Confidence = ev.Confidence
		alert.SourceIP = ev.Source.IP
		alert.UserID = ev.Context.UserID
		alert.Summary = ev.Description
		alert.Fields = attackFields(ev.Type)

		cctx, cancel := p.callContext(ctx)
		err := p.notifier.Notify(cctx, alert)
		cancel()
		if err != nil {
			p.logger.Warn("Alert delivery failed",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}

	case ActionBlockIP:
		if err := p.blocks.Add(ctx, blocklist.KindIP, target, reason, p.config.BlockIPTTL); err != nil {
			return fmt.Errorf("blocking ip: %w", err)
		}
		p.logger.Warn("IP blocked", zap.String("ip", target), zap.String("event_id", ev.ID))

	case ActionLockAccount:
		if err := p.blocks.Add(ctx, blocklist.KindAccount, target, reason, p.config.LockAccountTTL); err != nil {
			return fmt.Errorf("locking account: %w", err)
		}
		p.logger.Warn("Account locked", zap.String("user_id", target), zap.String("event_id", ev.ID))

	case ActionQuarantine:
		if err := p.blocks.Add(ctx, blocklist.KindQuarantine, target, reason, p.config.QuarantineTTL); err != nil {
			return fmt.Errorf("quarantining: %w", err)
		}

	case ActionTerminateSession, ActionRequireMFA:
		if p.sessions == nil {
			p.logger.Warn("No session controller, action skipped",
				zap.String("action", string(action)),
				zap.String("event_id", ev.ID),
			)
			break
		}
		cctx, cancel := p.callContext(ctx)
		var err error
		if action == ActionTerminateSession {
			err = p.sessions.TerminateSession(cctx, target)
		} else {
			err = p.sessions.RequireMFA(cctx, target)
		}
		cancel()
		if err != nil {
			p.logger.Warn("Session action failed",
				zap.String("action", string(action)),
				zap.String("target", target),
				zap.Error(err),
			)
		}
	}

	if action.ledgered() {
		p.markExecuted(key)
	}
	if action.mitigates() {
		p.mitigated(ev.ID)
	}
	return nil
}

func listKind(action Action) (blocklist.Kind, bool) {
	switch action {
	case ActionBlockIP:
		return blocklist.KindIP, true
	case ActionLockAccount:
		return blocklist.KindAccount, true
	case ActionQuarantine:
		return blocklist.KindQuarantine, true
	}
	return "", false
}

func (p *PolicyEngine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.CallTimeout > 0 {
		return context.WithTimeout(ctx, p.config.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *PolicyEngine) mitigated(eventID string) {
	if p.onMitigated != nil {
		p.onMitigated(eventID)
	}
}

func (p *PolicyEngine) wasExecuted(key string) bool {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	_, ok := p.executed[key]
	return ok
}

func (p *PolicyEngine) markExecuted(key string) {
	p.execMu.Lock()
	p.executed[key] = p.now()
	p.execMu.Unlock()
}

// prune forgets executed pairs older than before, so a target blocked long
// ago can be acted on again.
func (p *PolicyEngine) prune(before time.Time) {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	for k, at := range p.executed {
		if at.Before(before) {
			delete(p.executed, k)
		}
	}
}
