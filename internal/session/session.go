// Package session is the reference session layer: bcrypt-hashed users,
// server-side sessions and HS256 tokens whose jti is the session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Common errors.
var (
	ErrWeakSecret       = errors.New("jwt secret must be at least 32 bytes")
	ErrUserExists       = errors.New("user already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSessionNotActive = errors.New("session is not active")
)

// Security flags attached to a valid session.
const (
	FlagIPChanged   = "ip_changed"
	FlagMFARequired = "mfa_required"
)

// Config holds session settings.
type Config struct {
	TTL        time.Duration `yaml:"ttl"`
	Issuer     string        `yaml:"issuer"`
	SecretEnv  string        `yaml:"jwt_secret_env"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        8 * time.Hour,
		Issuer:     "tacticguard",
		SecretEnv:  "TACTICGUARD_JWT_SECRET",
		BcryptCost: bcrypt.DefaultCost,
	}
}

// User is an account known to the session layer.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	TeamID       string    `json:"team_id,omitempty"`
	Permissions  []string  `json:"permissions"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side login session.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastSeen    time.Time `json:"last_seen"`
	Terminated  bool      `json:"terminated"`
	MFARequired bool      `json:"mfa_required"`
}

// Credentials is a login attempt.
type Credentials struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// AuthResult is the outcome of Authenticate. Token is empty unless Success.
type AuthResult struct {
	Success     bool      `json:"success"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Token       string    `json:"token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	MFARequired bool      `json:"mfa_required"`
	Reason      string    `json:"reason,omitempty"`
}

// Validation is the answer to ValidateSession.
type Validation struct {
	Valid  bool     `json:"valid"`
	UserID string   `json:"user_id,omitempty"`
	Flags  []string `json:"flags,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Claims are carried in issued tokens.
type Claims struct {
	Role        string   `json:"role"`
	TeamID      string   `json:"team_id,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Manager owns users and sessions.
type Manager struct {
	config Config
	secret []byte
	logger *zap.Logger
	now    func() time.Time

	// dummyHash keeps unknown-user logins as slow as wrong-password ones.
	dummyHash []byte

	mu       sync.RWMutex
	users    map[string]*User // by username
	byID     map[string]*User
	sessions map[string]*Session
	mfa      map[string]bool
}

// NewManager creates a session manager signing tokens with secret.
func NewManager(secret []byte, cfg Config, logger *zap.Logger) (*Manager, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.BcryptCost < bcrypt.MinCost {
		cfg.BcryptCost = def.BcryptCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("preparing password hashing: %w", err)
	}
	return &Manager{
		config:    cfg,
		secret:    append([]byte(nil), secret...),
		logger:    logger,
		now:       time.Now,
		dummyHash: dummy,
		users:     make(map[string]*User),
		byID:      make(map[string]*User),
		sessions:  make(map[string]*Session),
		mfa:       make(map[string]bool),
	}, nil
}

// AddUser registers an account with a bcrypt-hashed password.
func (m *Manager) AddUser(username, password, role, teamID string, permissions []string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Role:         role,
		TeamID:       teamID,
		Permissions:  append([]string(nil), permissions...),
		PasswordHash: string(hash),
		CreatedAt:    m.now().UTC(),
	}
	m.users[username] = u
	m.byID[u.ID] = u
	return u.copy(), nil
}

// User returns the account with the given id.
func (m *Manager) User(id string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return u.copy(), true
}

// Authenticate checks credentials and opens a session. Bad credentials are
// reported in the result; the error is reserved for internal failures.
func (m *Manager) Authenticate(ctx context.Context, c Credentials) (*AuthResult, error) {
	m.mu.RLock()
	u, ok := m.users[c.Username]
	var hash []byte
	if ok {
		hash = []byte(u.PasswordHash)
	} else {
		hash = m.dummyHash
	}
	m.mu.RUnlock()

	if err := bcrypt.CompareHashAndPassword(hash, []byte(c.Password)); err != nil || !ok {
		m.logger.Info("Authentication failed",
			zap.String("username", c.Username),
			zap.String("ip", c.IP),
		)
		return &AuthResult{Reason: "invalid credentials"}, nil
	}

	now := m.now().UTC()
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.TTL),
		LastSeen:  now,
	}

	m.mu.Lock()
	s.MFARequired = m.mfa[u.ID]
	m.sessions[s.ID] = s
	m.mu.Unlock()

	token, err := m.sign(u, s)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("Session opened",
		zap.String("user_id", u.ID),
		zap.String("session_id", s.ID),
		zap.String("ip", c.IP),
	)
	return &AuthResult{
		Success:     true,
		UserID:      u.ID,
		SessionID:   s.ID,
		Token:       token,
		ExpiresAt:   s.ExpiresAt,
		MFARequired: s.MFARequired,
	}, nil
}

func (m *Manager) sign(u *User, s *Session) (string, error) {
	claims := &Claims{
		Role:        u.Role,
		TeamID:      u.TeamID,
		Permissions: u.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   u.ID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(s.CreatedAt),
			NotBefore: jwt.NewNumericDate(s.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ParseToken verifies a token and returns its claims. The session named by
// the token must still be active.
func (m *Manager) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	m.mu.RLock()
	s, ok := m.sessions[claims.ID]
	active := ok && !s.Terminated && m.now().Before(s.ExpiresAt)
	m.mu.RUnlock()
	if !active {
		return nil, ErrSessionNotActive
	}
	return claims, nil
}

// ValidateSession checks that a session exists, is live and belongs to a
// known user. A changed client IP or a pending MFA challenge are flags, not
// failures.
func (m *Manager) ValidateSession(ctx context.Context, sessionID, ip string) (Validation, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	switch {
	case !ok:
		return Validation{Reason: "session not found"}, nil
	case s.Terminated:
		return Validation{UserID: s.UserID, Reason: "session terminated"}, nil
	case !now.Before(s.ExpiresAt):
		return Validation{UserID: s.UserID, Reason: "session expired"}, nil
	}
	if _, ok := m.byID[s.UserID]; !ok {
		return Validation{UserID: s.UserID, Reason: "user no longer exists"}, nil
	}

	s.LastSeen = now.UTC()
	v := Validation{Valid: true, UserID: s.UserID}
	if ip != "" && s.IP != "" && ip != s.IP {
		v.Flags = append(v.Flags, FlagIPChanged)
	}
	if s.MFARequired || m.mfa[s.UserID] {
		v.Flags = append(v.Flags, FlagMFARequired)
	}
	return v, nil
}

// TerminateSession ends a session. Terminating an ended session is a no-op.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.Terminated {
		s.Terminated = true
		m.logger.Info("Session terminated", zap.String("session_id", sessionID), zap.String("user_id", s.UserID))
	}
	return nil
}

// RequireMFA flags the user's current and future sessions for an MFA
// challenge.
func (m *Manager) RequireMFA(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mfa[userID] = true
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.MFARequired = true
		}
	}
	m.logger.Info("MFA required", zap.String("user_id", userID))
	return nil
}

// ClearMFA records a completed MFA challenge for the user.
func (m *Manager) ClearMFA(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mfa, userID)
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.MFARequired = false
		}
	}
}

// PruneExpired drops expired and terminated sessions and returns how many
// were removed.
func (m *Manager) PruneExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Terminated || !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// ActiveSessions counts live sessions.
func (m *Manager) ActiveSessions() int {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.Terminated && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Name identifies the manager as a compliance data source.
func (m *Manager) Name() string { return "sessions" }

// CollectUserData returns the user's account (without the password hash)
// and sessions.
func (m *Manager) CollectUserData(ctx context.Context, userID string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := struct {
		User     *User      `json:"user,omitempty"`
		Sessions []*Session `json:"sessions"`
	}{Sessions: []*Session{}}
	if u, ok := m.byID[userID]; ok {
		out.User = u.copy()
	}
	for _, s := range m.sessions {
		if s.UserID == userID {
			c := *s
			out.Sessions = append(out.Sessions, &c)
		}
	}
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].CreatedAt.Before(out.Sessions[j].CreatedAt) })
	return out, nil
}

// EraseUserData removes the user's sessions and account.
func (m *Manager) EraseUserData(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	if u, ok := m.byID[userID]; ok {
		delete(m.users, u.Username)
		delete(m.byID, userID)
	}
	delete(m.mfa, userID)
	return nil
}

func (u *User) copy() *User {
	c := *u
	c.Permissions = append([]string(nil), u.Permissions...)
	return &c
}
