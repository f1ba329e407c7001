package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/careerfolio/portal/internal/api"
	"github.com/careerfolio/portal/internal/auth"
	"github.com/careerfolio/portal/internal/config"
	"github.com/careerfolio/portal/internal/database"
	"github.com/careerfolio/portal/internal/generation"
	"github.com/careerfolio/portal/internal/governance"
	"github.com/careerfolio/portal/internal/governance/audit"
	"github.com/careerfolio/portal/internal/governance/usage"
	mw "github.com/careerfolio/portal/internal/middleware"
	inats "github.com/careerfolio/portal/internal/nats"
	iredis "github.com/careerfolio/portal/internal/redis"
	"github.com/careerfolio/portal/internal/scheduler"
	"github.com/careerfolio/portal/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// PostgreSQL
	if cfg.Migrations.AutoRun {
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Migrations.Path); err != nil {
			return err
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// NATS (optional)
	var (
		natsClient *inats.Client
		events     usage.EventPublisher
		tasks      generation.TaskPublisher
		auditCons  *audit.Consumer
	)
	auditRepo := audit.NewRepository(pool)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		publisher := inats.NewPublisher(natsClient.JetStream())
		events = publisher
		tasks = publisher
		auditCons = audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()), inats.AuditConsumerSpec(cfg.NATS.AuditMaxDeliver))
	} else {
		slog.Warn("NATS_URL not set: usage events and generation hand-off disabled")
	}

	// Usage governance
	limits := usage.DefaultLimits()
	usageRepo := usage.NewRepository(pool)

	opts := []usage.Option{usage.WithLocation(cfg.Usage.Location())}
	if events != nil {
		opts = append(opts, usage.WithEventPublisher(events))
	}
	if cfg.Usage.PatternsEnabled {
		opts = append(opts, usage.WithPatternDetector(usage.NewPatternDetector(redisClient, limits.Suspicious)))
	}
	monitor := usage.NewMonitor(usageRepo, limits, opts...)
	gate := usage.NewGate(monitor)
	resetSvc := usage.NewResetService(usageRepo, events)
	sched := scheduler.New(scheduler.DefaultJobs(resetSvc), nil)

	// Handlers
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.AccessExpiry)
	govHandler := governance.NewHandler(monitor, auditRepo, resetSvc, sched)
	genHandler := generation.NewHandler(tasks)
	adminLimiter := mw.NewRateLimiter(redisClient, "admin", cfg.AuthLimit.MaxRequests, cfg.AuthLimit.WindowSec)

	features := make([]string, 0, len(usage.Features))
	for _, f := range usage.Features {
		features = append(features, string(f))
	}

	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AdminRateLimiter:   adminLimiter.Middleware,
	}, api.HandlerSet{
		Features: features,
		Generate: genHandler.Submit,
		UsageGate: func(feature string) func(http.Handler) http.Handler {
			return gate.Middleware(usage.Feature(feature))
		},

		GetUsage:       govHandler.GetUsage,
		ListViolations: govHandler.ListViolations,
		SubmitAppeal:   govHandler.SubmitAppeal,
		ListAuditLogs:  govHandler.ListAuditLogs,

		GetUserUsage:       govHandler.GetUserUsage,
		ListUserViolations: govHandler.ListUserViolations,
		ResetUserFeature:   govHandler.ResetUserFeature,
		RunReset:           govHandler.RunReset,
		GetSchedule:        govHandler.GetSchedule,

		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireRole(auth.RoleAdmin),
	})

	srv := server.New(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.Usage.SchedulerEnabled {
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	} else {
		slog.Info("usage scheduler disabled; resets only run on demand")
	}

	if auditCons != nil {
		g.Go(func() error {
			// Audit persistence is best effort; enforcement keeps running without it.
			if err := auditCons.Start(gctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
