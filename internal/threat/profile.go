package threat

import (
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/tacticguard/internal/keylock"
)

// RiskFactors summarise how risky a user's account is.
type RiskFactors struct {
	Privileged          bool `json:"privileged"`
	SensitiveDataAccess bool `json:"sensitive_data_access"`
	RecentIncidents     int  `json:"recent_incidents"`
	AccountAgeDays      int  `json:"account_age_days"`
}

type sessionSpan struct {
	Start time.Time `json:"start"`
	Last  time.Time `json:"last"`
}

// BehaviorProfile is a rolling summary of a user's normal access patterns.
type BehaviorProfile struct {
	UserID             string               `json:"user_id"`
	LoginHours         map[int]int          `json:"login_hours"`
	LoginDays          map[time.Weekday]int `json:"login_days"`
	Locations          map[string]int       `json:"locations"`
	Devices            map[string]int       `json:"devices"`
	Resources          map[string]int       `json:"resources"`
	KnownIPs           map[string]time.Time `json:"known_ips"`
	AvgSessionDuration time.Duration        `json:"avg_session_duration"`
	Risk               RiskFactors          `json:"risk_factors"`
	Observations       int                  `json:"observations"`
	FirstSeen          time.Time            `json:"first_seen"`
	LastSeen           time.Time            `json:"last_seen"`
	RefreshedAt        time.Time            `json:"refreshed_at"`
	actionTimes        []time.Time
	sessions           map[string]*sessionSpan
	completedSessions  int
}

func newProfile(userID string, now time.Time) *BehaviorProfile {
	return &BehaviorProfile{
		UserID:     userID,
		LoginHours: make(map[int]int),
		LoginDays:  make(map[time.Weekday]int),
		Locations:  make(map[string]int),
		Devices:    make(map[string]int),
		Resources:  make(map[string]int),
		KnownIPs:   make(map[string]time.Time),
		FirstSeen:  now,
		sessions:   make(map[string]*sessionSpan),
	}
}

// observe folds one request into the profile.
func (p *BehaviorProfile) observe(rc *RequestContext, now time.Time) {
	p.Observations++
	p.LastSeen = now
	p.LoginHours[now.Hour()]++
	p.LoginDays[now.Weekday()]++
	p.Locations[locationOf(rc)]++
	if rc.IP != "" {
		p.KnownIPs[rc.IP] = now
	}
	if rc.Device != "" {
		p.Devices[rc.Device]++
	} else if rc.UserAgent != "" {
		p.Devices[rc.UserAgent]++
	}
	if rc.Path != "" {
		p.Resources[rc.Path]++
	}
	if rc.Role == "admin" || rc.Role == "owner" {
		p.Risk.Privileged = true
	}
	if rc.SessionID != "" {
		if s, ok := p.sessions[rc.SessionID]; ok {
			s.Last = now
		} else {
			p.sessions[rc.SessionID] = &sessionSpan{Start: now, Last: now}
		}
	}
	i := sort.Search(len(p.actionTimes), func(i int) bool { return p.actionTimes[i].After(now) })
	p.actionTimes = append(p.actionTimes, time.Time{})
	copy(p.actionTimes[i+1:], p.actionTimes[i:])
	p.actionTimes[i] = now
}

// actionsSince counts recorded actions at or after since.
func (p *BehaviorProfile) actionsSince(since time.Time) int {
	i := sort.Search(len(p.actionTimes), func(i int) bool {
		return !p.actionTimes[i].Before(since)
	})
	return len(p.actionTimes) - i
}

// refresh prunes bookkeeping and recomputes derived fields.
func (p *BehaviorProfile) refresh(now time.Time, incidents int) {
	cutoff := now.Add(-time.Hour)
	i := sort.Search(len(p.actionTimes), func(i int) bool {
		return !p.actionTimes[i].Before(cutoff)
	})
	p.actionTimes = append([]time.Time(nil), p.actionTimes[i:]...)

	idle := now.Add(-30 * time.Minute)
	for id, s := range p.sessions {
		if s.Last.Before(idle) {
			d := s.Last.Sub(s.Start)
			total := p.AvgSessionDuration*time.Duration(p.completedSessions) + d
			p.completedSessions++
			p.AvgSessionDuration = total / time.Duration(p.completedSessions)
			delete(p.sessions, id)
		}
	}

	for ip, seen := range p.KnownIPs {
		if now.Sub(seen) > 90*24*time.Hour {
			delete(p.KnownIPs, ip)
		}
	}

	p.Risk.RecentIncidents = incidents
	p.Risk.AccountAgeDays = int(now.Sub(p.FirstSeen).Hours() / 24)
	p.RefreshedAt = now
}

func (p *BehaviorProfile) clone() BehaviorProfile {
	c := *p
	c.LoginHours = copyMap(p.LoginHours)
	c.LoginDays = copyMap(p.LoginDays)
	c.Locations = copyMap(p.Locations)
	c.Devices = copyMap(p.Devices)
	c.Resources = copyMap(p.Resources)
	c.KnownIPs = copyMap(p.KnownIPs)
	c.actionTimes = nil
	c.sessions = nil
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func locationOf(rc *RequestContext) string {
	if rc.Location != "" {
		return rc.Location
	}
	return rc.IP
}

// profileStore owns all behavior profiles. The map lock covers lookup and
// insert only; every read-modify-write of a profile runs under its user key.
type profileStore struct {
	mu       sync.RWMutex
	profiles map[string]*BehaviorProfile
	locks    keylock.Map
}

func newProfileStore() *profileStore {
	return &profileStore{profiles: make(map[string]*BehaviorProfile)}
}

// update runs fn with exclusive access to the user's profile, creating it if
// needed. created is true on the first observation.
func (s *profileStore) update(userID string, now time.Time, fn func(p *BehaviorProfile, created bool)) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	p, ok := s.profiles[userID]
	if !ok {
		p = newProfile(userID, now)
		s.profiles[userID] = p
	}
	s.mu.Unlock()

	fn(p, !ok)
}

func (s *profileStore) get(userID string) (BehaviorProfile, bool) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.RLock()
	p, ok := s.profiles[userID]
	s.mu.RUnlock()
	if !ok {
		return BehaviorProfile{}, false
	}
	return p.clone(), true
}

func (s *profileStore) delete(userID string) bool {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.profiles[userID]
	delete(s.profiles, userID)
	return ok
}

func (s *profileStore) users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// refreshAll takes each user's key lock in turn, so it never races an
// in-flight request for the same user.
func (s *profileStore) refreshAll(now time.Time, incidents map[string]int) int {
	n := 0
	for _, id := range s.users() {
		unlock := s.locks.Lock(id)
		s.mu.RLock()
		p, ok := s.profiles[id]
		s.mu.RUnlock()
		if ok {
			p.refresh(now, incidents[id])
			n++
		}
		unlock()
	}
	return n
}

func (s *profileStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
