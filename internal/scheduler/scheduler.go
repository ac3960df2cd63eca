// Package scheduler runs the periodic maintenance tasks: threat-event
// cleanup, behavior-profile refresh, retention enforcement, session pruning
// and audit-log retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/observability"
)

// Task identifiers.
const (
	TaskEventCleanup   = "threat_event_cleanup"
	TaskProfileRefresh = "profile_refresh"
	TaskRetention      = "retention"
	TaskSessionPrune   = "session_prune"
	TaskAuditRetry     = "audit_retry"
)

// ErrUnknownTask is returned for a task id that is not registered.
var ErrUnknownTask = errors.New("unknown maintenance task")

// Config holds cron specs per task. An empty spec disables the task.
type Config struct {
	EventCleanup   string        `yaml:"event_cleanup"`
	ProfileRefresh string        `yaml:"profile_refresh"`
	Retention      string        `yaml:"retention"`
	SessionPrune   string        `yaml:"session_prune"`
	AuditRetry     string        `yaml:"audit_retry"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EventCleanup:   "@hourly",
		ProfileRefresh: "@every 6h",
		Retention:      "0 3 * * *",
		SessionPrune:   "@every 15m",
		AuditRetry:     "@every 1m",
		TaskTimeout:    10 * time.Minute,
	}
}

// ThreatMaintainer is the part of the threat engine the scheduler drives.
type ThreatMaintainer interface {
	CleanupEvents(now time.Time) int
	RefreshProfiles(now time.Time) int
}

// RetentionEnforcer applies retention policies.
type RetentionEnforcer interface {
	ApplyRetention(ctx context.Context, now time.Time) (*compliance.RetentionResult, error)
}

// SessionPruner drops expired sessions.
type SessionPruner interface {
	PruneExpired(now time.Time) int
}

// AuditRetrier replays audit records that failed to write.
type AuditRetrier interface {
	RetryPendingLogs(ctx context.Context) (int, int)
}

// Targets are the components maintained. Nil targets disable their tasks.
type Targets struct {
	Threats   ThreatMaintainer
	Retention RetentionEnforcer
	Sessions  SessionPruner
	Audit     AuditRetrier
}

// Task is one periodic job.
type Task struct {
	ID       string
	Schedule string
	Run      func(ctx context.Context, now time.Time) error

	mu         sync.Mutex
	entryID    cron.EntryID
	lastRun    time.Time
	lastErr    error
	runCount   int64
	errorCount int64
}

// TaskStatus is a snapshot of a task's bookkeeping.
type TaskStatus struct {
	ID         string    `json:"id"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Scheduler owns the cron runner and the registered tasks.
type Scheduler struct {
	config    Config
	cron      *cron.Cron
	tasks     map[string]*Task
	telemetry *observability.Telemetry
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a scheduler with one task per configured target.
func New(cfg Config, targets Targets, telemetry *observability.Telemetry, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		config: cfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		tasks:     make(map[string]*Task),
		telemetry: telemetry,
		logger:    logger,
		now:       time.Now,
	}

	for _, t := range defaultTasks(cfg, targets, logger) {
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func defaultTasks(cfg Config, targets Targets, logger *zap.Logger) []*Task {
	var tasks []*Task
	if targets.Threats != nil {
		tasks = append(tasks,
			&Task{ID: TaskEventCleanup, Schedule: cfg.EventCleanup, Run: func(_ context.Context, now time.Time) error {
				n := targets.Threats.CleanupEvents(now)
				logger.Info("Threat events swept", zap.Int("removed", n))
				return nil
			}},
			&Task{ID: TaskProfileRefresh, Schedule: cfg.ProfileRefresh, Run: func(_ context.Context, now time.Time) error {
				n := targets.Threats.RefreshProfiles(now)
				logger.Info("Behavior profiles refreshed", zap.Int("profiles", n))
				return nil
			}},
		)
	}
	if targets.Retention != nil {
		tasks = append(tasks, &Task{ID: TaskRetention, Schedule: cfg.Retention, Run: func(ctx context.Context, now time.Time) error {
			res, err := targets.Retention.ApplyRetention(ctx, now)
			if err != nil {
				return err
			}
			logger.Info("Retention applied",
				zap.Int("archived", res.Archived),
				zap.Int("deleted", res.Deleted),
				zap.Int("deletions_executed", res.DeletionsExecuted),
			)
			return nil
		}})
	}
	if targets.Sessions != nil {
		tasks = append(tasks, &Task{ID: TaskSessionPrune, Schedule: cfg.SessionPrune, Run: func(_ context.Context, now time.Time) error {
			if n := targets.Sessions.PruneExpired(now); n > 0 {
				logger.Info("Expired sessions pruned", zap.Int("removed", n))
			}
			return nil
		}})
	}
	if targets.Audit != nil {
		tasks = append(tasks, &Task{ID: TaskAuditRetry, Schedule: cfg.AuditRetry, Run: func(ctx context.Context, _ time.Time) error {
			if _, remaining := targets.Audit.RetryPendingLogs(ctx); remaining > 0 {
				return fmt.Errorf("%d audit records still pending", remaining)
			}
			return nil
		}})
	}
	return tasks
}

// Add registers a task; call it before Start. A task with an empty schedule
// only runs through RunNow.
func (s *Scheduler) Add(t *Task) error {
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already registered", t.ID)
	}
	if t.Schedule != "" {
		id, err := s.cron.AddFunc(t.Schedule, func() { s.execute(context.Background(), t) })
		if err != nil {
			return fmt.Errorf("scheduling task %s: %w", t.ID, err)
		}
		t.entryID = id
	}
	s.tasks[t.ID] = t
	s.logger.Debug("Task registered", zap.String("task", t.ID), zap.String("schedule", t.Schedule))
	return nil
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop stops scheduling and waits for running tasks or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a task immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return s.execute(ctx, t)
}

func (s *Scheduler) execute(ctx context.Context, t *Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	start := s.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}

		t.mu.Lock()
		t.lastRun = start
		t.lastErr = err
		t.runCount++
		if err != nil {
			t.errorCount++
		}
		t.mu.Unlock()

		s.telemetry.RecordMaintenance(t.ID, err)
		if err != nil {
			s.logger.Error("Maintenance task failed",
				zap.String("task", t.ID),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Maintenance task completed",
			zap.String("task", t.ID),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	return t.Run(ctx, start)
}

// Tasks returns a snapshot of every task, sorted by id.
func (s *Scheduler) Tasks() []TaskStatus {
	next := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		next[e.ID] = e.Next
	}

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := TaskStatus{
			ID:         t.ID,
			Schedule:   t.Schedule,
			LastRun:    t.lastRun,
			NextRun:    next[t.entryID],
			RunCount:   t.runCount,
			ErrorCount: t.errorCount,
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
