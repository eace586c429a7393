package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/config"
	"github.com/eddiefleurent/spx_calendar/internal/dashboard"
	"github.com/eddiefleurent/spx_calendar/internal/execution"
	"github.com/eddiefleurent/spx_calendar/internal/metrics"
	"github.com/eddiefleurent/spx_calendar/internal/notify"
	"github.com/eddiefleurent/spx_calendar/internal/orders"
	"github.com/eddiefleurent/spx_calendar/internal/retry"
	"github.com/eddiefleurent/spx_calendar/internal/scheduler"
	"github.com/eddiefleurent/spx_calendar/internal/storage"
	"github.com/eddiefleurent/spx_calendar/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Regular session hours for the pending-exit retry job.
var marketHours = scheduler.Window{StartHour: 9, StartMinute: 30, EndHour: 16, EndMinute: 0}

type Bot struct {
	config     *config.Config
	storage    storage.Interface
	exec       *execution.Executor
	reconciler *execution.Reconciler
	scheduler  *scheduler.Scheduler
	dashboard  *dashboard.Server
	logger     *logrus.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infof("Starting SPX double calendar bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Warn("LIVE TRADING MODE - Real money at risk! Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}
	defer func() {
		if err := bot.storage.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Errorf("Bot error: %v", err)
		os.Exit(1)
	}

	logger.Info("Bot stopped successfully")
}

func newBot(cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	loc := cfg.Location()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tradier := broker.NewTradierAPIWithBaseURLAndClient(
		cfg.Broker.APIKey,
		cfg.Broker.AccountID,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
		nil,
		broker.RateLimits{
			MarketData: cfg.Broker.RateLimits.MarketData,
			Trading:    cfg.Broker.RateLimits.Trading,
			Standard:   cfg.Broker.RateLimits.Standard,
		},
	).WithLogger(logger).WithTimeout(cfg.GetBrokerTimeout())

	guarded := broker.NewCircuitBreakerBroker(tradier, logger)
	b := retry.NewBroker(guarded, retry.NewClient(logger, retryConfig(cfg)))

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineCfg := orders.Config{
		PollInterval: cfg.GetPollInterval(),
		CallTimeout:  cfg.GetCallTimeout(),
		Duration:     "day",
	}
	resolver := strategy.NewCalendarResolver(b, strategy.CalendarConfig{
		Symbol:      cfg.Strategy.Symbol,
		OptionRoot:  cfg.Strategy.OptionRoot,
		TargetDelta: cfg.Strategy.TargetDelta,
		ShortDTE:    cfg.Strategy.ShortDTE,
		LongDTE:     cfg.Strategy.LongDTE,
	}, loc, logger)

	exec, err := execution.NewExecutor(execution.Deps{
		Broker:      b,
		Storage:     store,
		Resolver:    resolver,
		EntryEngine: orders.NewEngine(b, logger, engineCfg),
		ExitEngine:  orders.NewEngine(b, logger, engineCfg),
		Guard: orders.NewExitGuard(b, logger, orders.GuardConfig{
			MaxAttempts: cfg.Execution.Guard.MaxAttempts,
			Wait:        cfg.GetGuardWait(),
			CallTimeout: cfg.GetCallTimeout(),
		}),
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	}, execution.Config{
		Location:               loc,
		Symbol:                 cfg.Strategy.Symbol,
		Entry:                  fillSettings(cfg.Execution.Entry),
		Exit:                   fillSettings(cfg.Execution.Exit),
		CallTimeout:            cfg.GetCallTimeout(),
		TickSize:               cfg.Execution.TickSize,
		ProfitTargetPct:        cfg.Strategy.ProfitTargetPct,
		ProfitTargetTick:       cfg.Strategy.ProfitTargetTick,
		Quantity:               cfg.Strategy.PositionSize,
		MaxConcurrentPositions: cfg.Strategy.MaxConcurrentPositions,
		ExitDay:                cfg.Strategy.ExitDay,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	bot := &Bot{
		config:     cfg,
		storage:    store,
		exec:       exec,
		reconciler: execution.NewReconciler(exec, b, logger),
		scheduler:  scheduler.New(loc, cfg.GetMaxLateness(), logger),
		logger:     logger,
	}
	if err := bot.scheduleJobs(); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Dashboard.Enabled {
		bot.dashboard = dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, exec, store, reg, logger)
	}
	return bot, nil
}

// scheduleJobs registers the daily entry, time exit and reconcile triggers
// plus the pending-exit retry loop.
func (b *Bot) scheduleJobs() error {
	entryH, entryM, err := config.ParseClock(b.config.Schedule.EntryTime)
	if err != nil {
		return fmt.Errorf("schedule.entry_time: %w", err)
	}
	exitH, exitM, err := config.ParseClock(b.config.Schedule.ExitTime)
	if err != nil {
		return fmt.Errorf("schedule.exit_time: %w", err)
	}
	recH, recM, err := config.ParseClock(b.config.Schedule.ReconcileTime)
	if err != nil {
		return fmt.Errorf("schedule.reconcile_time: %w", err)
	}

	b.scheduler.AddDaily("entry", entryH, entryM, func(ctx context.Context, _ time.Time) {
		res := b.exec.AttemptEntry(ctx, "scheduler")
		b.logger.WithFields(logrus.Fields{"status": res.Status, "reason": res.Reason}).Info("Scheduled entry finished")
	})
	b.scheduler.AddDaily("time-exit", exitH, exitM, func(ctx context.Context, _ time.Time) {
		for _, res := range b.exec.CheckTimeExits(ctx, "scheduler") {
			b.logger.WithFields(logrus.Fields{"trade_id": res.TradeID, "status": res.Status, "reason": res.Reason}).Info("Scheduled exit finished")
		}
	})
	b.scheduler.AddDaily("reconcile", recH, recM, func(ctx context.Context, _ time.Time) {
		if _, err := b.reconciler.Reconcile(ctx, "scheduler"); err != nil {
			b.logger.WithError(err).Warn("Scheduled reconcile did not run")
		}
	})

	window := marketHours
	b.scheduler.AddInterval("exit-retry", b.config.GetExitCheckInterval(), &window, func(ctx context.Context, _ time.Time) {
		b.exec.RetryPendingExits(ctx, "scheduler")
	})
	return nil
}

// Run reconciles once, then drives the scheduler and dashboard until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Reconciling broker state before scheduling")
	report, err := b.reconciler.RunAtStartup(ctx)
	if err != nil {
		// Keep running: the daily reconcile retries and entries fail closed
		b.logger.WithError(err).Error("Startup reconcile failed")
	} else {
		b.logger.WithFields(logrus.Fields{
			"checked":     report.Checked,
			"closed":      len(report.Closed),
			"restored":    len(report.Restored),
			"unprotected": len(report.Unprotected),
			"orphans":     len(report.Orphans),
		}).Info("Startup reconcile complete")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.scheduler.Run(gctx) })
	if b.dashboard != nil {
		g.Go(func() error { return b.dashboard.Run(gctx) })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		b.logger.Info("Shutdown signal received")
		return nil
	}
	return err
}

func fillSettings(f config.FillConfig) execution.FillSettings {
	return execution.FillSettings{
		Steps:          f.Steps(),
		AttemptTimeout: f.GetAttemptTimeout(),
		MaxConcession:  f.MaxConcession,
		MaxAttempts:    f.MaxAttempts,
	}
}

func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig
	if cfg.Broker.Retry.MaxRetries > 0 {
		rc.MaxRetries = cfg.Broker.Retry.MaxRetries
	}
	if d, err := time.ParseDuration(cfg.Broker.Retry.BaseDelay); err == nil && d > 0 {
		rc.InitialBackoff = d
	}
	if d, err := time.ParseDuration(cfg.Broker.Retry.MaxDelay); err == nil && d > 0 {
		rc.MaxBackoff = d
	}
	return rc
}

// buildNotifier always logs; SMS is added for warnings and above when enabled.
func buildNotifier(cfg *config.Config, logger logrus.FieldLogger) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if n := cfg.Notifications; n.Enabled {
		sms, err := notify.NewSMSNotifier(notify.SMTPConfig{
			Host:     n.SMTPHost,
			Port:     n.SMTPPort,
			Username: n.Username,
			Password: n.Password,
			From:     n.From,
			To:       n.To,
		}, notify.SeverityWarning)
		if err != nil {
			return nil, fmt.Errorf("creating sms notifier: %w", err)
		}
		notifiers = append(notifiers, sms)
	}
	return notifiers, nil
}
