// Package app assembles the coordinator from configuration. Both the
// long-running coordinator and the hikectl admin tool build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hike-coordinator/internal/audit"
	"hike-coordinator/internal/campaign"
	"hike-coordinator/internal/common/camunda"
	"hike-coordinator/internal/common/clock"
	"hike-coordinator/internal/common/config"
	"hike-coordinator/internal/common/database"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/common/observability"
	"hike-coordinator/internal/dispatch"
	"hike-coordinator/internal/phase"
	"hike-coordinator/internal/render"
	"hike-coordinator/internal/repository"
	"hike-coordinator/internal/signup"
	"hike-coordinator/internal/store/memory"
	"hike-coordinator/internal/store/postgres"
	"hike-coordinator/internal/tokens"
	"hike-coordinator/internal/transport"
	"hike-coordinator/internal/waitlist"
	startcampaign "hike-coordinator/internal/workers/notification/start-campaign"
)

type App struct {
	Config *config.Config
	Logger logger.Logger
	Obs    *observability.Observability
	Clock  clock.Clock

	Store    repository.Store
	Postgres *database.PostgresClient
	Redis    *database.RedisClient
	Queue    dispatch.Queue
	Zeebe    *camunda.Client
	Audit    *audit.Indexer

	Tokens     *tokens.Store
	Machine    *phase.Machine
	Scheduler  *phase.Scheduler
	Campaigns  *campaign.Service
	Rebalancer *waitlist.Rebalancer
	Signups    *signup.Service
	Dispatcher *dispatch.Dispatcher

	closers []func() error
}

// Options tune how hard New tries to reach backing services.
type Options struct {
	// ConnectAttempts bounds connection retries per service; 1 fails fast.
	ConnectAttempts int
	ConnectDelay    time.Duration
	// SkipMail builds no transport; the dispatcher is left nil.
	SkipMail bool
}

// New connects to every configured backend and wires the services. Optional
// backends (Zeebe, Elasticsearch) are skipped when not configured.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (*App, error) {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = 2 * time.Second
	}

	a := &App{
		Config: cfg,
		Logger: log,
		Obs:    observability.New(cfg.App.Name, log),
		Clock:  clock.Real{},
	}
	a.closers = append(a.closers, func() error { a.Obs.Shutdown(); return nil })

	if err := a.openStore(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openZeebe(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openAudit(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, opts Options) error {
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn("Using in-memory store; state is lost on restart", nil)
		a.Store = memory.New()
		return nil
	}

	err := RetryWithBackoff(ctx, func() error {
		pg, err := database.NewPostgres(a.Config.Database.Postgres)
		if err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return err
		}
		a.Postgres = pg
		return nil
	}, opts.ConnectAttempts, opts.ConnectDelay, a.Logger, "PostgreSQL connection")
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Postgres.Close)
	a.Logger.Info("PostgreSQL connected successfully", nil)

	if a.Config.Database.AutoMigrate {
		if err := postgres.Migrate(a.Postgres.DB, a.Logger); err != nil {
			return err
		}
	}
	a.Store = postgres.New(a.Postgres.DB)
	return nil
}

func (a *App) openQueue(ctx context.Context, opts Options) error {
	if a.Config.Dispatch.Queue == "memory" {
		a.Queue = dispatch.NewChannelQueue(0)
		return nil
	}

	err := RetryWithBackoff(ctx, func() error {
		rc, err := database.NewRedis(a.Config.Database.Redis)
		if err != nil {
			return err
		}
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return err
		}
		a.Redis = rc
		return nil
	}, opts.ConnectAttempts, opts.ConnectDelay, a.Logger, "Redis connection")
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Redis.Close)
	a.Logger.Info("Redis connected successfully", map[string]interface{}{
		"queueKey": a.Config.Database.Redis.QueueKey,
	})
	a.Queue = dispatch.NewRedisQueue(a.Redis.Client, a.Config.Database.Redis.QueueKey)
	return nil
}

func (a *App) openZeebe(ctx context.Context, opts Options) error {
	if !a.Config.Camunda.Enabled() {
		return nil
	}
	err := RetryWithBackoff(ctx, func() error {
		var err error
		a.Zeebe, err = camunda.NewClient(a.Config.Camunda)
		return err
	}, opts.ConnectAttempts, opts.ConnectDelay, a.Logger, "Zeebe client initialization")
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Zeebe.Close)
	a.Logger.Info("Zeebe client connected successfully", map[string]interface{}{
		"broker": a.Config.Camunda.BrokerAddress,
	})
	return nil
}

func (a *App) openAudit(ctx context.Context, opts Options) error {
	esCfg := a.Config.Database.Elasticsearch
	if !esCfg.Enabled() {
		return nil
	}
	var es *database.ElasticsearchClient
	err := RetryWithBackoff(ctx, func() error {
		var err error
		es, err = database.NewElasticsearch(esCfg, nil)
		if err != nil {
			return err
		}
		return es.Ping(ctx)
	}, opts.ConnectAttempts, opts.ConnectDelay, a.Logger, "Elasticsearch connection")
	if err != nil {
		return err
	}

	a.Audit = audit.NewIndexer(es.Client, esCfg.Index, a.Logger)
	if err := a.Audit.EnsureIndex(ctx); err != nil {
		return err
	}
	a.Logger.Info("Elasticsearch connected successfully", map[string]interface{}{"index": esCfg.Index})
	return nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Tokens = tokens.NewStore(a.Store, a.Clock, a.Logger)
	a.Campaigns = campaign.NewService(a.Store, a.Tokens, a.Queue, a.Clock, a.Obs, a.Logger)
	a.Rebalancer = waitlist.NewRebalancer(a.Store, nil, a.Logger)
	a.Rebalancer.SetNotifier(a.Campaigns)
	a.Signups = signup.NewService(a.Store, a.Tokens, a.Rebalancer, a.Clock, a.Logger)

	var publishers phase.Publishers
	if !a.ZeebeStartsCampaigns() {
		publishers = append(publishers, campaign.NewListener(a.Campaigns, a.Logger))
	}
	if a.Zeebe != nil {
		publishers = append(publishers, phase.NewZeebePublisher(a.Zeebe, config.GetDuration(cfg.Camunda.MessageTTL), a.Logger))
	}
	a.Machine = phase.NewMachine(a.Store, a.Logger,
		phase.WithClock(a.Clock),
		phase.WithPublisher(publishers),
		phase.WithObservability(a.Obs),
	)
	a.Scheduler = phase.NewScheduler(a.Machine, a.Clock,
		time.Duration(cfg.Phase.TickIntervalSeconds)*time.Second,
		time.Duration(cfg.Phase.HikeResetWindowHours)*time.Hour,
		a.Logger,
	)

	if opts.SkipMail {
		return nil
	}
	renderer, err := render.New(cfg.Mail.BaseURL)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	tr, err := transport.FromConfig(ctx, cfg, a.Logger)
	if err != nil {
		return err
	}

	dopts := []dispatch.Option{
		dispatch.WithClock(a.Clock),
		dispatch.WithObservability(a.Obs),
	}
	if a.Audit != nil {
		dopts = append(dopts, dispatch.WithAuditor(a.Audit))
	}
	a.Dispatcher = dispatch.NewDispatcher(a.Store, renderer, tr, a.Queue, dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BatchPause:  time.Duration(cfg.Dispatch.BatchPauseSeconds) * time.Second,
	}, a.Logger, dopts...)
	return nil
}

// ZeebeStartsCampaigns reports whether phase campaigns are started by the
// start-campaign job worker instead of the in-process listener.
func (a *App) ZeebeStartsCampaigns() bool {
	return a.Zeebe != nil && config.IsWorkerEnabled(a.Config, startcampaign.TaskType)
}

// Ready reports whether the stateful backends still answer.
func (a *App) Ready(ctx context.Context) error {
	if a.Postgres != nil {
		if err := a.Postgres.Ping(ctx); err != nil {
			return err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error("Error closing backend", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}

// RetryWithBackoff attempts operation up to maxRetries times, doubling the
// delay between attempts.
func RetryWithBackoff(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// NewLogger builds the structured logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (logger.Logger, *zap.Logger) {
	zl := logger.New(cfg.Level, cfg.Format)
	return logger.NewZapAdapter(zl), zl
}
