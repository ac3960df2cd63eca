// Package main provides the entry point for the TacticGuard server.
// TacticGuard is the security orchestration layer in front of the tactics
// board: threat detection, response, compliance auditing and secure file
// handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/api"
	"github.com/lvonguyen/tacticguard/internal/api/gateway"
	"github.com/lvonguyen/tacticguard/internal/blocklist"
	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/config"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/observability"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/reputation"
	"github.com/lvonguyen/tacticguard/internal/scheduler"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TacticGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	tel, err := observability.New(cfg.TelemetryConfig(Version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, tel, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, tel *observability.Telemetry, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting TacticGuard",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Strings("integrations", cfg.EnabledIntegrations()),
	)

	checks := make(map[string]api.HealthCheck)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	v, err := vault.NewServiceFromEnv(cfg.Security.Vault, logger.Named("vault"))
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}

	secret := os.Getenv(cfg.Security.Session.SecretEnv)
	sessions, err := session.NewManager([]byte(secret), cfg.Security.Session, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("initializing sessions: %w", err)
	}
	if err := seedUsers(sessions, cfg.Security.Users, logger); err != nil {
		return err
	}

	var blocks blocklist.Store = blocklist.NewMemoryStore()
	if rdb != nil {
		blocks = blocklist.NewRedisStore(rdb, cfg.Redis.KeyPrefix+":block", logger.Named("blocklist"))
	}

	notifier := buildNotifier(cfg, logger)
	policy, err := threat.NewPolicyEngine(cfg.Response, blocks, sessions, notifier, logger.Named("response"))
	if err != nil {
		return fmt.Errorf("initializing response policy: %w", err)
	}

	var rep reputation.Service
	if cfg.Reputation.Enabled {
		otx, err := reputation.NewOTX(cfg.Reputation.OTX)
		if err != nil {
			return fmt.Errorf("initializing reputation: %w", err)
		}
		rep = reputation.NewGuarded(otx, cfg.Reputation.FailureThreshold, cfg.Reputation.OpenTimeout,
			cfg.Reputation.CallTimeout, logger.Named("reputation"))
	}

	engine, err := threat.NewEngine(cfg.Detection, policy, blocks, rep, logger.Named("threat"))
	if err != nil {
		return fmt.Errorf("initializing threat engine: %w", err)
	}

	var formationStore formation.Store = formation.NewMemoryStore()
	if cfg.Storage.Formations == config.DriverRedis {
		formationStore = formation.NewRedisStore(rdb, cfg.Redis.KeyPrefix+":formation", logger.Named("formation"))
	}
	formations := formation.NewService(formationStore, v, logger.Named("formation"))

	var complianceStore compliance.Store = compliance.NewMemoryStore()
	if cfg.Storage.Compliance == config.DriverPostgres {
		db, err := openDatabase(cfg.Storage)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("database handle: %w", err)
		}
		defer sqlDB.Close()
		checks["postgres"] = func(ctx context.Context) error { return sqlDB.PingContext(ctx) }

		gs, err := compliance.NewGormStore(db)
		if err != nil {
			return err
		}
		complianceStore = gs
	}

	framework, err := compliance.NewFramework(cfg.Compliance, complianceStore, v, nil, logger.Named("compliance"))
	if err != nil {
		return fmt.Errorf("initializing compliance: %w", err)
	}
	framework.RegisterSource(compliance.CategoryTactical, formations)
	framework.RegisterSource(compliance.CategoryPersonal, sessions)
	framework.RegisterSource(compliance.CategorySystem, engine)

	validator, err := formation.NewValidator()
	if err != nil {
		return fmt.Errorf("initializing formation schema: %w", err)
	}
	fileHandler := files.NewHandler(cfg.Files, v, validator, files.NoopScanner{}, logger.Named("files"))

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Dependencies{
		Threats:   engine,
		Sessions:  sessions,
		Ops:       formations,
		Validator: validator,
		Audit:     framework,
		Files:     fileHandler,
		Telemetry: tel,
	}, logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	sched, err := scheduler.New(cfg.Maintenance, scheduler.Targets{
		Threats:   engine,
		Retention: framework,
		Sessions:  sessions,
		Audit:     orch,
	}, tel, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	srv, err := api.NewServer(cfg.Server.Config, api.Dependencies{
		Orchestrator: orch,
		Compliance:   framework,
		Tokens:       sessions,
		Limiter:      gateway.NewRateLimiter(rdb, cfg.RateLimit, tel, logger.Named("ratelimit")),
		Maintenance:  sched,
		Telemetry:    tel,
		Checks:       checks,
	}, Version, logger.Named("api"))
	if err != nil {
		return fmt.Errorf("initializing api: %w", err)
	}
	httpServer := srv.HTTPServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sched.Start()
		tel.StartSystemMetricsCollector(gctx)
		<-gctx.Done()

		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
		if written, remaining := orch.RetryPendingLogs(shutdownCtx); remaining > 0 {
			logger.Warn("Audit records still pending at shutdown",
				zap.Int("written", written),
				zap.Int("remaining", remaining),
			)
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func seedUsers(m *session.Manager, users []config.UserConfig, logger *zap.Logger) error {
	for _, u := range users {
		password := os.Getenv(u.PasswordEnv)
		if password == "" {
			return fmt.Errorf("password for user %s not found in env var: %s", u.Username, u.PasswordEnv)
		}
		if _, err := m.AddUser(u.Username, password, u.Role, u.TeamID, u.Permissions); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Username, err)
		}
		logger.Info("User seeded", zap.String("username", u.Username), zap.String("role", u.Role))
	}
	return nil
}

// buildNotifier logs every alert and forwards it to Splunk HEC when
// configured. HEC delivery sits behind a circuit breaker.
func buildNotifier(cfg *config.Config, logger *zap.Logger) alerting.Notifier {
	logNotifier := alerting.NewLogNotifier(logger.Named("alerts"))
	if !cfg.Alerting.HECEnabled {
		return logNotifier
	}
	hec, err := alerting.NewHECNotifier(cfg.Alerting.HEC)
	if err != nil {
		logger.Warn("HEC alerting disabled", zap.Error(err))
		return logNotifier
	}
	return alerting.Multi{
		logNotifier,
		alerting.NewBreakerNotifier("splunk_hec", hec, cfg.Alerting.Breaker, logger.Named("alerts")),
	}
}

func openDatabase(cfg config.StorageConfig) (*gorm.DB, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not found in env var: %s", cfg.DSNEnv)
	}
	db, err := compliance.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
