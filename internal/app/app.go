// Package app assembles the service graph shared by the server and sweep
// binaries.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-pm-approvals/internal/archive"
	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/config"
	"github.com/pesio-ai/be-pm-approvals/internal/jobs"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
	"github.com/pesio-ai/be-pm-approvals/pkg/database"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
	"github.com/pesio-ai/be-pm-approvals/pkg/natsclient"
)

// Job names.
const (
	JobApprovalExpiry = "approval_expiry"
	JobAuditArchive   = "audit_archive"
	JobAuditPurge     = "audit_purge"
)

// App holds the wired components. Close releases every connection it opened.
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Store     repository.Store
	Scheduler scheduler.Scheduler
	Audit     *audit.Writer
	Payments  *client.PaymentsGateway
	Runner    *jobs.Runner

	Approvals   *service.ApprovalService
	Maintenance *service.MaintenanceService
	Disputes    *service.DisputeService
	Roles       *service.RoleService

	closers []func()
}

// New connects the backends selected by cfg and builds the services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Metrics = metrics.New()
	a.Registry = metrics.NewRegistry()
	if err := a.Metrics.Register(a.Registry); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "register metrics")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	notifier, err := a.openNotifier()
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "ping redis")
		}
		a.Scheduler = scheduler.NewRedis(rdb, cfg.Service.Name, cfg.Jobs.SchedulerPoll, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis scheduler enabled")
	} else {
		a.Scheduler = scheduler.NewLocal(log)
		log.Info().Msg("REDIS_ADDR not set, delayed jobs run in-process")
	}

	sink, err := a.openSink(ctx)
	if err != nil {
		return nil, err
	}

	oracle := rbac.NewOracle()
	a.Audit = audit.NewWriter(store, oracle, a.Metrics, log)
	deps := service.Deps{
		Store:     store,
		Audit:     a.Audit,
		Oracle:    oracle,
		Notifier:  notifier,
		Scheduler: a.Scheduler,
		Metrics:   a.Metrics,
		Log:       log,
	}
	a.Approvals = service.NewApprovalService(deps, service.ApprovalConfig{
		BigExpenseThreshold: cfg.Workflow.BigExpenseThreshold,
		PropertyEditTTL:     cfg.Workflow.PropertyEditTTL,
	})
	a.Maintenance = service.NewMaintenanceService(deps, cfg.Workflow.MaintenanceDebounce)
	a.Disputes = service.NewDisputeService(deps)
	a.Roles = service.NewRoleService(deps)
	a.Payments = client.NewPaymentsGateway(client.GatewayConfig{
		SecretKey:        cfg.Stripe.SecretKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		APIURL:           cfg.Stripe.APIURL,
	})

	var locker jobs.Locker = jobs.NewLocalLocker()
	if rdb != nil {
		locker = jobs.NewRedisLocker(rdb, cfg.Service.Name+":jobs:")
	}
	a.Runner = jobs.NewRunner(locker, cfg.Jobs.LockTTL, a.Metrics, log)

	archiver := audit.NewArchiver(store, sink, cfg.Workflow.HotRetention, cfg.Archive.BatchSize, a.Metrics, log)
	purger := audit.NewPurger(store, sink, cfg.Workflow.TotalRetention, a.Metrics, log)
	a.Runner.Add(jobs.Job{
		Name:     JobApprovalExpiry,
		Interval: cfg.Jobs.SweepInterval,
		Run: func(ctx context.Context, _ time.Time) error {
			_, err := a.Approvals.CheckExpiredApprovals(ctx)
			return err
		},
	})
	a.Runner.Add(jobs.Job{
		Name:     JobAuditArchive,
		Interval: cfg.Jobs.ArchiveInterval,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := archiver.Run(ctx, now)
			return err
		},
	})
	a.Runner.Add(jobs.Job{
		Name:     JobAuditPurge,
		Interval: cfg.Jobs.ArchiveInterval,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := purger.Run(ctx, now)
			return err
		},
	})

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "memory":
		a.Log.Warn().Msg("Using in-memory store, data is lost on restart")
		return memory.New(), nil
	case "postgres", "":
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "connect database")
		}
		a.closers = append(a.closers, db.Close)
		a.Log.Info().Msg("Database connection established")
		return repository.NewPostgresStore(db), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown STORE_DRIVER %q", cfg.Store.Driver)
	}
}

func (a *App) openNotifier() (client.Notifier, error) {
	cfg := a.Config
	if cfg.NATS.URL == "" {
		a.Log.Info().Msg("NATS_URL not set, notifications are logged only")
		return client.NewLogNotifier(a.Metrics, a.Log), nil
	}
	bus, err := natsclient.Connect(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.Service.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, a.Log.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bus.Close)
	a.Log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	return client.NewNATSNotifier(bus, a.Metrics, a.Log), nil
}

func (a *App) openSink(ctx context.Context) (archive.Sink, error) {
	cfg := a.Config.Archive
	switch cfg.Driver {
	case "gcs":
		sink, err := archive.NewGCSSink(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsJSON)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		a.Log.Info().Str("bucket", cfg.Bucket).Msg("Audit archive on GCS")
		return sink, nil
	case "fs", "":
		return archive.NewFSSink(cfg.Dir)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown ARCHIVE_DRIVER %q", cfg.Driver)
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
