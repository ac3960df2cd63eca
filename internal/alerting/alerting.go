// Package alerting delivers security alerts and escalations raised by the
// threat response engine.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Kind distinguishes routine alerts from escalations.
type Kind string

const (
	KindAlert    Kind = "alert"
	KindEscalate Kind = "escalate"
)

// ErrNotifierUnavailable is returned while the circuit breaker is open.
var ErrNotifierUnavailable = errors.New("notifier unavailable")

// Alert is one notification about a threat event.
type Alert struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	EventID    string            `json:"event_id"`
	ThreatType string            `json:"threat_type"`
	Level      string            `json:"level"`
	Confidence float64           `json:"confidence"`
	SourceIP   string            `json:"source_ip,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Summary    string            `json:"summary"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// NewAlert fills ID and Timestamp.
func NewAlert(kind Kind, eventID, threatType, level string) Alert {
	return Alert{
		ID:         uuid.New().String(),
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		EventID:    eventID,
		ThreatType: threatType,
		Level:      level,
	}
}

// Notifier delivers alerts. Callers treat it as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert. Escalations go out at error level.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("event_id", alert.EventID),
		zap.String("threat_type", alert.ThreatType),
		zap.String("level", alert.Level),
		zap.Float64("confidence", alert.Confidence),
		zap.String("source_ip", alert.SourceIP),
		zap.String("user_id", alert.UserID),
	}
	if alert.Kind == KindEscalate {
		n.logger.Error("Security escalation", fields...)
	} else {
		n.logger.Warn("Security alert", fields...)
	}
	return nil
}

// Recorder keeps alerts in memory. Used by tests and the dashboard.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Notify calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Notify records alert.
func (r *Recorder) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of everything recorded.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Multi fans an alert out to several notifiers. The first error is returned
// after every notifier has been tried.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BreakerConfig tunes the circuit breaker in front of a remote notifier.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		CallTimeout:      5 * time.Second,
	}
}

// BreakerNotifier guards a Notifier with a circuit breaker and a call deadline.
type BreakerNotifier struct {
	next        Notifier
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

// NewBreakerNotifier wraps next.
func NewBreakerNotifier(name string, next Notifier, cfg BreakerConfig, logger *zap.Logger) *BreakerNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notifier circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerNotifier{next: next, cb: cb, callTimeout: cfg.CallTimeout}
}

// Notify implements Notifier.
func (b *BreakerNotifier) Notify(ctx context.Context, alert Alert) error {
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, alert)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrNotifierUnavailable, err)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (b *BreakerNotifier) State() string {
	return b.cb.State().String()
}
