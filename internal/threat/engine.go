package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/blocklist"
	"github.com/lvonguyen/tacticguard/internal/reputation"
)

// Common errors.
var (
	ErrUnknownRule   = errors.New("unknown detection rule")
	ErrEventNotFound = errors.New("threat event not found")
	ErrInvalidPolicy = errors.New("invalid response policy")
	ErrUnknownAction = errors.New("unknown response action")
)

// Config holds detection engine settings.
type Config struct {
	Rules             []RuleOverride  `yaml:"rules"`
	Levels            LevelThresholds `yaml:"levels"`
	EventRetention    time.Duration   `yaml:"event_retention"`
	CorrelationWindow time.Duration   `yaml:"correlation_window"`
	IncidentWindow    time.Duration   `yaml:"incident_window"`
	ReputationTimeout time.Duration   `yaml:"reputation_timeout"`
	MaxEvents         int             `yaml:"max_events"`
	AuthPaths         []string        `yaml:"auth_paths"`
	ExportPaths       []string        `yaml:"export_paths"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Levels:            DefaultLevelThresholds(),
		EventRetention:    7 * 24 * time.Hour,
		CorrelationWindow: 15 * time.Minute,
		IncidentWindow:    30 * 24 * time.Hour,
		ReputationTimeout: 2 * time.Second,
		MaxEvents:         100000,
		AuthPaths:         []string{"/auth", "/login"},
		ExportPaths:       []string{"/export"},
	}
}

// EventFilter narrows Events results. Zero fields match everything.
type EventFilter struct {
	Since       time.Time
	Type        Type
	MinLevel    Level
	IP          string
	UserID      string
	Unmitigated bool
	Limit       int
}

// Stats summarises engine state.
type Stats struct {
	TotalEvents    int           `json:"total_events"`
	ActiveThreats  int           `json:"active_threats"`
	Mitigated      int           `json:"mitigated"`
	ByType         map[Type]int  `json:"by_type"`
	ByLevel        map[Level]int `json:"by_level"`
	Profiles       int           `json:"profiles"`
	BlockedIPs     int           `json:"blocked_ips"`
	LockedAccounts int           `json:"locked_accounts"`
}

// Engine runs the analyzer battery and owns threat events, behavior
// profiles and attempt counters.
type Engine struct {
	config     Config
	logger     *zap.Logger
	policy     *PolicyEngine
	blocks     blocklist.Store
	reputation reputation.Service
	analyzers  []analyzer

	rulesMu sync.RWMutex
	rules   map[string]DetectionRule

	profiles *profileStore
	failures *counters
	exports  *counters
	events   *eventStore
	now      func() time.Time
}

// NewEngine builds an engine. policy and rep may be nil; a default policy
// over blocks and a neutral reputation service are used then.
func NewEngine(cfg Config, policy *PolicyEngine, blocks blocklist.Store, rep reputation.Service, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Levels == (LevelThresholds{}) {
		cfg.Levels = def.Levels
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = def.EventRetention
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.IncidentWindow <= 0 {
		cfg.IncidentWindow = def.IncidentWindow
	}
	if cfg.ReputationTimeout <= 0 {
		cfg.ReputationTimeout = def.ReputationTimeout
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if len(cfg.AuthPaths) == 0 {
		cfg.AuthPaths = def.AuthPaths
	}
	if len(cfg.ExportPaths) == 0 {
		cfg.ExportPaths = def.ExportPaths
	}
	if blocks == nil {
		blocks = blocklist.NewMemoryStore()
	}
	if rep == nil {
		rep = reputation.NewStatic(nil)
	}

	rules, err := MergeRules(DefaultRules(), cfg.Rules)
	if err != nil {
		return nil, err
	}

	if policy == nil {
		policy, err = NewPolicyEngine(DefaultPolicyConfig(), blocks, nil, nil, logger)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		config:     cfg,
		logger:     logger,
		policy:     policy,
		blocks:     blocks,
		reputation: rep,
		analyzers:  builtinAnalyzers(),
		rules:      make(map[string]DetectionRule, len(rules)),
		profiles:   newProfileStore(),
		failures:   newCounters(),
		exports:    newCounters(),
		events:     newEventStore(cfg.MaxEvents),
		now:        time.Now,
	}
	for _, r := range rules {
		e.rules[r.ID] = r
	}
	policy.onMitigated = e.markMitigated

	return e, nil
}

// Policy returns the response policy engine.
func (e *Engine) Policy() *PolicyEngine {
	return e.policy
}

func (e *Engine) levels() LevelThresholds {
	return e.config.Levels
}

func (e *Engine) rule(id string) (DetectionRule, bool) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns the active rule set sorted by ID.
func (e *Engine) Rules() []DetectionRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]DetectionRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateRule replaces an existing rule.
func (e *Engine) UpdateRule(rule DetectionRule) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if _, ok := e.rules[rule.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRule, rule.ID)
	}
	rule = rule.clone()
	rule.UpdatedAt = e.now().UTC()
	e.rules[rule.ID] = rule
	e.logger.Info("Detection rule updated",
		zap.String("rule", rule.ID),
		zap.Bool("enabled", rule.Enabled),
	)
	return nil
}

// Analyze runs every enabled analyzer over rc and returns the events raised.
// It never fails: analyzer errors are logged and count as no finding.
func (e *Engine) Analyze(ctx context.Context, rc RequestContext) (events []Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Threat analysis aborted", zap.Any("panic", r))
			events = nil
		}
	}()

	if rc.Timestamp.IsZero() {
		rc.Timestamp = e.now()
	}

	for _, a := range e.analyzers {
		rule, ok := e.rule(a.ruleID)
		if !ok || !rule.Enabled {
			continue
		}
		f := e.runAnalyzer(a, &rc, rule)
		if f == nil {
			continue
		}

		ev := e.buildEvent(ctx, f, rc, rule)
		snapshot := ev.clone()
		e.events.add(ev)

		e.logger.Warn("Threat detected",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("level", string(ev.Level)),
			zap.Float64("confidence", ev.Confidence),
			zap.String("ip", rc.IP),
			zap.String("user_id", rc.UserID),
			zap.String("path", rc.Path),
		)

		for _, action := range snapshot.Actions {
			if err := e.policy.Execute(ctx, action, snapshot); err != nil {
				e.logger.Error("Response action failed",
					zap.String("event_id", ev.ID),
					zap.String("action", string(action)),
					zap.Error(err),
				)
			}
		}

		if stored, ok := e.events.get(ev.ID); ok {
			events = append(events, stored)
		}
	}
	return events
}

func (e *Engine) runAnalyzer(a analyzer, rc *RequestContext, rule DetectionRule) (f *finding) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Analyzer failed",
				zap.String("rule", a.ruleID),
				zap.Any("panic", r),
			)
			f = nil
		}
	}()
	return a.run(e, rc, rule)
}

func (e *Engine) buildEvent(ctx context.Context, f *finding, rc RequestContext, rule DetectionRule) *Event {
	ev := &Event{
		ID:          uuid.New().String(),
		Timestamp:   rc.Timestamp,
		Type:        f.threatType,
		Level:       e.config.Levels.LevelFor(f.confidence),
		Confidence:  f.confidence,
		RuleID:      rule.ID,
		Source:      e.source(ctx, rc),
		Target:      targetFor(rc.Path),
		Description: f.description,
		Indicators:  f.indicators,
		Context:     rc,
	}
	ev.Actions = mergeActions(e.policy.ActionsFor(ev.Type, ev.Level), rule.Actions)
	ev.RelatedEvents = e.events.related(rc.IP, rc.Timestamp, e.config.CorrelationWindow)
	return ev
}

func (e *Engine) source(ctx context.Context, rc RequestContext) Source {
	src := Source{Kind: "ip", ID: rc.IP, IP: rc.IP, UserID: rc.UserID, Location: rc.Location, Device: rc.Device}
	if rc.UserID != "" {
		src.Kind = "user"
		src.ID = rc.UserID
	}
	if rc.IP == "" {
		return src
	}

	lctx, cancel := context.WithTimeout(ctx, e.config.ReputationTimeout)
	defer cancel()
	v, err := e.reputation.Lookup(lctx, rc.IP)
	if err != nil {
		e.logger.Debug("Reputation unavailable", zap.String("ip", rc.IP), zap.Error(err))
	}
	src.Reputation = v.Score
	src.Rating = string(v.Rating)
	if src.Location == "" {
		src.Location = v.Country
	}
	return src
}

func targetFor(path string) Target {
	p := strings.ToLower(path)
	t := Target{Kind: "endpoint", ID: path, Criticality: LevelLow, BusinessValue: "general"}
	switch {
	case strings.Contains(p, "/admin"), strings.Contains(p, "/compliance"):
		t.Criticality, t.BusinessValue = LevelHigh, "administrative"
	case strings.Contains(p, "/export"), strings.Contains(p, "/import"):
		t.Criticality, t.BusinessValue = LevelHigh, "bulk-data"
	case strings.Contains(p, "/auth"), strings.Contains(p, "/login"):
		t.Criticality, t.BusinessValue = LevelMedium, "credentials"
	case strings.Contains(p, "/formation"), strings.Contains(p, "/operations"):
		t.Criticality, t.BusinessValue = LevelMedium, "tactical-data"
	}
	return t
}

func mergeActions(base, extra []Action) []Action {
	out := make([]Action, 0, len(base)+len(extra))
	seen := make(map[Action]bool, len(base)+len(extra))
	for _, list := range [][]Action{base, extra} {
		for _, a := range list {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func (e *Engine) isAuthPath(path string) bool {
	return matchesAny(path, e.config.AuthPaths)
}

func (e *Engine) isExportPath(path string) bool {
	return matchesAny(path, e.config.ExportPaths)
}

func matchesAny(path string, markers []string) bool {
	p := strings.ToLower(path)
	for _, m := range markers {
		if strings.Contains(p, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// RecordFailedLogin counts a failed authentication from ip and returns the
// attempts inside the brute-force window.
func (e *Engine) RecordFailedLogin(ip string, at time.Time) int {
	if ip == "" {
		return 0
	}
	if at.IsZero() {
		at = e.now()
	}
	window := 5 * time.Minute
	if r, ok := e.rule(RuleBruteForce); ok && r.Window > 0 {
		window = r.Window
	}
	return e.failures.add(failureKey(ip), at, window)
}

// IsIPBlocked reports block-list membership.
func (e *Engine) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	return e.blocks.Contains(ctx, blocklist.KindIP, ip)
}

// IsAccountLocked reports lock-set membership.
func (e *Engine) IsAccountLocked(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return e.blocks.Contains(ctx, blocklist.KindAccount, userID)
}

// Events returns stored events matching f, newest first.
func (e *Engine) Events(f EventFilter) []Event {
	return e.events.list(f)
}

// Event returns one stored event.
func (e *Engine) Event(id string) (Event, error) {
	ev, ok := e.events.get(id)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, nil
}

// MarkMitigated flags an event as handled.
func (e *Engine) MarkMitigated(id string) error {
	if !e.events.markMitigated(id) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

func (e *Engine) markMitigated(id string) {
	e.events.markMitigated(id)
}

// Profile returns a copy of the user's behavior profile.
func (e *Engine) Profile(userID string) (BehaviorProfile, bool) {
	return e.profiles.get(userID)
}

// DeleteProfile removes a profile. Only used for account erasure.
func (e *Engine) DeleteProfile(userID string) bool {
	return e.profiles.delete(userID)
}

// CleanupEvents drops events older than the retention period and prunes
// counters and the executed-action ledger.
func (e *Engine) CleanupEvents(now time.Time) int {
	removed := e.events.cleanup(now.Add(-e.config.EventRetention))

	longest := time.Hour
	for _, r := range e.Rules() {
		if r.Window > longest {
			longest = r.Window
		}
	}
	e.failures.prune(now.Add(-longest))
	e.exports.prune(now.Add(-longest))
	e.policy.prune(now.Add(-e.config.EventRetention))

	if removed > 0 {
		e.logger.Info("Threat events cleaned up", zap.Int("removed", removed))
	}
	return removed
}

// RefreshProfiles recomputes derived profile fields for every user.
func (e *Engine) RefreshProfiles(now time.Time) int {
	incidents := make(map[string]int)
	for _, ev := range e.events.list(EventFilter{Since: now.Add(-e.config.IncidentWindow)}) {
		if ev.Context.UserID != "" && ev.Level.Rank() >= LevelMedium.Rank() {
			incidents[ev.Context.UserID]++
		}
	}
	n := e.profiles.refreshAll(now, incidents)
	e.logger.Debug("Behavior profiles refreshed", zap.Int("profiles", n))
	return n
}

// Stats summarises engine state.
func (e *Engine) Stats(ctx context.Context) Stats {
	s := Stats{
		ByType:   make(map[Type]int),
		ByLevel:  make(map[Level]int),
		Profiles: e.profiles.len(),
	}
	activeSince := e.now().Add(-24 * time.Hour)
	for _, ev := range e.events.list(EventFilter{}) {
		s.TotalEvents++
		s.ByType[ev.Type]++
		s.ByLevel[ev.Level]++
		if ev.Mitigated {
			s.Mitigated++
		} else if ev.Level.Rank() >= LevelMedium.Rank() && ev.Timestamp.After(activeSince) {
			s.ActiveThreats++
		}
	}
	if ips, err := e.blocks.List(ctx, blocklist.KindIP); err == nil {
		s.BlockedIPs = len(ips)
	}
	if accts, err := e.blocks.List(ctx, blocklist.KindAccount); err == nil {
		s.LockedAccounts = len(accts)
	}
	return s
}

// Name identifies the engine as a personal-data source.
func (e *Engine) Name() string {
	return "behavior_profiles"
}

// CollectUserData returns the user's profile and recent events.
func (e *Engine) CollectUserData(_ context.Context, userID string) (any, error) {
	out := map[string]any{}
	if p, ok := e.profiles.get(userID); ok {
		out["profile"] = p
	}
	if evs := e.events.list(EventFilter{UserID: userID}); len(evs) > 0 {
		out["threat_events"] = evs
	}
	return out, nil
}

// EraseUserData deletes the user's behavior profile. Threat events are kept
// until the retention sweep as security records.
func (e *Engine) EraseUserData(_ context.Context, userID string) error {
	e.profiles.delete(userID)
	return nil
}

// eventStore is the in-memory event buffer bounded by the retention sweep
// and a hard size cap.
type eventStore struct {
	mu    sync.RWMutex
	byID  map[string]*Event
	order []string
	limit int
}

func newEventStore(limit int) *eventStore {
	return &eventStore{byID: make(map[string]*Event), limit: limit}
}

func (s *eventStore) add(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ev.ID] = ev
	s.order = append(s.order, ev.ID)
	for len(s.order) > s.limit {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *eventStore) get(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok {
		return Event{}, false
	}
	return ev.clone(), true
}

func (s *eventStore) markMitigated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byID[id]
	if ok {
		ev.Mitigated = true
	}
	return ok
}

func (s *eventStore) related(ip string, at time.Time, window time.Duration) []string {
	if ip == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, id := range s.order {
		ev := s.byID[id]
		d := at.Sub(ev.Timestamp)
		if d < 0 {
			d = -d
		}
		if ev.Source.IP == ip && d <= window {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *eventStore) list(f EventFilter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.order) - 1; i >= 0; i-- {
		ev := s.byID[s.order[i]]
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if ev.Level.Rank() < f.MinLevel.Rank() {
			continue
		}
		if f.IP != "" && ev.Source.IP != f.IP {
			continue
		}
		if f.UserID != "" && ev.Context.UserID != f.UserID {
			continue
		}
		if f.Unmitigated && ev.Mitigated {
			continue
		}
		out = append(out, ev.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (s *eventStore) cleanup(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if s.byID[id].Timestamp.Before(before) {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}
