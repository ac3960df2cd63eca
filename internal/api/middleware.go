package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/api/gateway"
	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/session"
)

type principalKey struct{}

// Principal is the authenticated caller, taken from a verified token.
type Principal struct {
	UserID      string
	SessionID   string
	Role        string
	TeamID      string
	Permissions []string
}

func (p *Principal) can(perm string) bool {
	return formation.Actor{Role: p.Role, Permissions: p.Permissions}.Can(perm)
}

// PrincipalFrom returns the caller stored by the authentication middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// authenticate requires a valid bearer token for an active session.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, session.ErrSessionNotActive) {
				msg = "session is not active"
			}
			s.logger.Debug("Token rejected", zap.String("ip", s.clientIP(r)), zap.Error(err))
			writeError(w, http.StatusUnauthorized, msg)
			return
		}

		p := &Principal{
			UserID:      claims.Subject,
			SessionID:   claims.ID,
			Role:        claims.Role,
			TeamID:      claims.TeamID,
			Permissions: claims.Permissions,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// require rejects callers lacking perm.
func (s *Server) require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || !p.can(perm) {
				writeError(w, http.StatusForbidden, orchestrator.MsgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies the limiter keyed by the caller's role and user id, or
// the anonymous tier and client IP before login.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(
		func(r *http.Request) string {
			if p, ok := PrincipalFrom(r.Context()); ok {
				return p.Role
			}
			return ""
		},
		func(r *http.Request) string {
			if p, ok := PrincipalFrom(r.Context()); ok {
				return p.UserID
			}
			return ""
		},
	)
}

func (s *Server) clientIP(r *http.Request) string {
	return gateway.ClientIP(r, s.config.TrustProxy)
}

// forwardedHeaders are the request headers handed to threat analysis.
var forwardedHeaders = []string{"Referer", "Origin", "X-Requested-With", "Accept-Language"}

func (s *Server) headers(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			out[strings.ToLower(h)] = v
		}
	}
	return out
}

// securityContext describes the caller of r for the orchestrator.
func (s *Server) securityContext(r *http.Request) orchestrator.SecurityContext {
	sc := orchestrator.SecurityContext{
		IP:        s.clientIP(r),
		UserAgent: r.UserAgent(),
		Location:  r.Header.Get("X-Client-Location"),
		Device:    r.Header.Get("X-Client-Device"),
		Headers:   s.headers(r),
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		sc.UserID = p.UserID
		sc.SessionID = p.SessionID
		sc.Role = p.Role
		sc.TeamID = p.TeamID
		sc.Permissions = p.Permissions
	}
	return sc
}
