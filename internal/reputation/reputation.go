// Package reputation looks up IP reputation for threat event sources.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Rating buckets a reputation score.
type Rating string

const (
	RatingGood       Rating = "good"
	RatingNeutral    Rating = "neutral"
	RatingSuspicious Rating = "suspicious"
	RatingMalicious  Rating = "malicious"
)

// ErrInvalidIP is returned for values that do not parse as an IP address.
var ErrInvalidIP = errors.New("invalid ip address")

// Verdict is the reputation of one address.
type Verdict struct {
	IP        string    `json:"ip"`
	Score     float64   `json:"score"` // 0 clean .. 1 known bad
	Rating    Rating    `json:"rating"`
	Tags      []string  `json:"tags,omitempty"`
	Country   string    `json:"country,omitempty"`
	Source    string    `json:"source"`
	CheckedAt time.Time `json:"checked_at"`
}

// Service resolves IP reputation.
type Service interface {
	Lookup(ctx context.Context, ip string) (Verdict, error)
}

// RatingFor buckets a score.
func RatingFor(score float64) Rating {
	switch {
	case score >= 0.7:
		return RatingMalicious
	case score >= 0.3:
		return RatingSuspicious
	case score < 0:
		return RatingGood
	default:
		return RatingNeutral
	}
}

// Static answers from a fixed table and rates everything else neutral.
type Static struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewStatic creates a static service. scores may be nil.
func NewStatic(scores map[string]float64) *Static {
	s := &Static{scores: make(map[string]float64, len(scores))}
	for ip, score := range scores {
		s.scores[ip] = score
	}
	return s
}

// Set overrides the score for ip.
func (s *Static) Set(ip string, score float64) {
	s.mu.Lock()
	s.scores[ip] = score
	s.mu.Unlock()
}

// Lookup implements Service.
func (s *Static) Lookup(_ context.Context, ip string) (Verdict, error) {
	s.mu.RLock()
	score := s.scores[ip]
	s.mu.RUnlock()
	return Verdict{
		IP:        ip,
		Score:     score,
		Rating:    RatingFor(score),
		Source:    "static",
		CheckedAt: time.Now().UTC(),
	}, nil
}

// IsPrivate reports whether ip is loopback or in a private range.
func IsPrivate(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()
}

// Guarded wraps a Service with a circuit breaker and a call deadline. While the
// breaker is open, or when the inner service fails, the neutral verdict is
// returned together with the error.
type Guarded struct {
	next        Service
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewGuarded wraps next.
func NewGuarded(next Service, failureThreshold uint32, openTimeout, callTimeout time.Duration, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	return &Guarded{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "reputation",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
		}),
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Lookup implements Service.
func (g *Guarded) Lookup(ctx context.Context, ip string) (Verdict, error) {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Lookup(ctx, ip)
	})
	if err != nil {
		g.logger.Debug("Reputation lookup failed", zap.String("ip", ip), zap.Error(err))
		return neutral(ip), fmt.Errorf("reputation lookup: %w", err)
	}
	return res.(Verdict), nil
}

func neutral(ip string) Verdict {
	return Verdict{IP: ip, Rating: RatingNeutral, Source: "fallback", CheckedAt: time.Now().UTC()}
}
