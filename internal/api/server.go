// Package api exposes the security orchestrator, the compliance framework
// and the security dashboard over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/api/gateway"
	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/observability"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/scheduler"
	"github.com/lvonguyen/tacticguard/internal/session"
)

// ErrMissingDependency is returned by NewServer when a required collaborator
// is nil.
var ErrMissingDependency = errors.New("api dependency missing")

// Permissions checked at the HTTP layer. Formation permissions are checked
// by the orchestrator.
const (
	PermViewDashboard    = "view-security-dashboard"
	PermManageCompliance = "manage-compliance"
	PermViewReports      = "view-compliance-reports"
	PermManageSystem     = "manage-system"
)

// Config holds HTTP API settings.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	TrustProxy      bool          `yaml:"trust_proxy_headers"`
	ReportFramework string        `yaml:"report_framework"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  30 * time.Second,
		MaxBodyBytes:    1 << 20,
		MaxUploadBytes:  10 << 20,
		ReportFramework: "GDPR",
	}
}

// Orchestrator is the secured-operation surface the API drives.
type Orchestrator interface {
	PerformOperation(ctx context.Context, kind orchestrator.Kind, p orchestrator.Payload, sc orchestrator.SecurityContext) *orchestrator.Result
	PerformFileOperation(ctx context.Context, kind orchestrator.Kind, req orchestrator.FileRequest, sc orchestrator.SecurityContext) *orchestrator.Result
	Authenticate(ctx context.Context, req orchestrator.AuthRequest) *orchestrator.AuthenticationResult
	Dashboard(ctx context.Context) *orchestrator.Dashboard
}

// Compliance is the data-protection surface. compliance.Framework
// satisfies it.
type Compliance interface {
	RecordConsent(ctx context.Context, in compliance.ConsentInput) (*compliance.ConsentRecord, error)
	WithdrawConsent(ctx context.Context, consentID, userID, reason string) (*compliance.WithdrawalResult, error)
	HandleSubjectRequest(ctx context.Context, userID string, typ compliance.RequestType, method string) (*compliance.DataSubjectRequest, error)
	Request(ctx context.Context, id string) (*compliance.DataSubjectRequest, error)
	ProcessAccessRequest(ctx context.Context, id string) (*compliance.AccessResult, error)
	ProcessErasureRequest(ctx context.Context, id string) (*compliance.ErasureResult, error)
	GenerateReport(ctx context.Context, framework string, start, end time.Time) (*compliance.Report, error)
}

// TokenParser verifies bearer tokens. session.Manager satisfies it.
type TokenParser interface {
	ParseToken(token string) (*session.Claims, error)
}

// Maintenance exposes the scheduled tasks.
type Maintenance interface {
	Tasks() []scheduler.TaskStatus
	RunNow(ctx context.Context, id string) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators behind the routes. Limiter, Maintenance
// and Telemetry are optional.
type Dependencies struct {
	Orchestrator Orchestrator
	Compliance   Compliance
	Tokens       TokenParser
	Limiter      *gateway.RateLimiter
	Maintenance  Maintenance
	Telemetry    *observability.Telemetry
	Checks       map[string]HealthCheck
}

// Server routes HTTP requests to the security layer.
type Server struct {
	config    Config
	orch      Orchestrator
	comp      Compliance
	tokens    TokenParser
	limiter   *gateway.RateLimiter
	tasks     Maintenance
	telemetry *observability.Telemetry
	checks    map[string]HealthCheck
	validate  *validator.Validate
	logger    *zap.Logger
	version   string
}

// NewServer creates an API server.
func NewServer(cfg Config, deps Dependencies, version string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator", ErrMissingDependency)
	case deps.Compliance == nil:
		return nil, fmt.Errorf("%w: compliance", ErrMissingDependency)
	case deps.Tokens == nil:
		return nil, fmt.Errorf("%w: token parser", ErrMissingDependency)
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		config:    cfg,
		orch:      deps.Orchestrator,
		comp:      deps.Compliance,
		tokens:    deps.Tokens,
		limiter:   deps.Limiter,
		tasks:     deps.Maintenance,
		telemetry: deps.Telemetry,
		checks:    deps.Checks,
		validate:  v,
		logger:    logger,
		version:   version,
	}, nil
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(s.telemetry.HTTPMiddleware(routePattern))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit()).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit())

			r.Route("/formations", func(r chi.Router) {
				r.Post("/", s.handleCreateFormation)
				r.Post("/import", s.handleImportFormation)
				r.Get("/{id}", s.handleReadFormation)
				r.Put("/{id}", s.handleUpdateFormation)
				r.Delete("/{id}", s.handleDeleteFormation)
				r.Post("/{id}/share", s.handleShareFormation)
			})

			r.Post("/files/import", s.handleFileImport)
			r.Post("/files/export", s.handleFileExport)

			r.Route("/compliance", func(r chi.Router) {
				r.Post("/consents", s.handleRecordConsent)
				r.Delete("/consents/{id}", s.handleWithdrawConsent)
				r.Post("/requests", s.handleSubjectRequest)
				r.Get("/requests/{id}", s.handleGetSubjectRequest)
				r.With(s.require(PermManageCompliance)).Post("/requests/{id}/process", s.handleProcessSubjectRequest)
				r.With(s.require(PermViewReports)).Post("/reports", s.handleReport)
			})

			r.With(s.require(PermViewDashboard)).Get("/security/dashboard", s.handleDashboard)

			r.Route("/maintenance", func(r chi.Router) {
				r.Use(s.require(PermManageSystem))
				r.Get("/tasks", s.handleListTasks)
				r.Post("/tasks/{id}/run", s.handleRunTask)
			})
		})
	})

	return r
}

// HTTPServer wraps the router in an http.Server using the configured
// timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		err := check(r.Context())
		s.telemetry.RecordHealth(name, err == nil)
		if err != nil {
			s.logger.Warn("Readiness check failed", zap.String("component", name), zap.Error(err))
			components[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "components": components})
}
