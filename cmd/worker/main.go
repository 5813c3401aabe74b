// Package main - точка входа фоновых процессов движка наград.
//
// Worker процесс отвечает за:
// - Обработку завершённых активностей (фид -> начисления -> агрегаты)
// - Генерацию снапшотов лидербордов по расписанию
// - Проверку и починку дрифта агрегатов
// - Доставку outbox-записей подписчикам и их ретеншн
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eduhub/reward-engine/config"
	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/outbox"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/messaging"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/postgres"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/redis"
	"github.com/eduhub/reward-engine/internal/infrastructure/scheduler"
	"github.com/eduhub/reward-engine/internal/infrastructure/scheduler/jobs"
	"github.com/eduhub/reward-engine/internal/worker"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	log.Info("starting reward engine worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. POSTGRESQL
	// ─────────────────────────────────────────────────────────────────────────
	pgCfg := postgres.DefaultConfig(cfg.Database.URL)
	pgCfg.MaxConns = cfg.Database.MaxConns
	pgCfg.MinConns = cfg.Database.MinConns
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	conn, err := postgres.NewConnection(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()
	log.Info("database connection established")

	if cfg.Database.AutoMigrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	cache := connectRedis(ctx, cfg, log)
	if cache != nil {
		defer cache.Close()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ДОМЕННЫЕ ДВИЖКИ
	// ─────────────────────────────────────────────────────────────────────────
	keys := aggregate.NewKeySet(timeutil.NewTermResolver(cfg.Terms))

	levels, err := level.NewEngine(level.Curve{
		Base:     cfg.Level.Base,
		Exponent: cfg.Level.Exponent,
	})
	if err != nil {
		return fmt.Errorf("invalid level curve: %w", err)
	}

	achievements, err := achievement.NewEngine(achievementCatalog())
	if err != nil {
		return fmt.Errorf("invalid achievement catalog: %w", err)
	}

	pipeline := worker.NewPipeline(
		reward.NewPointsEngine(reward.DefaultPointsTable()),
		keys,
		levels,
		achievements,
		log,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ВОРКЕР ОБРАБОТКИ ЗАВЕРШЕНИЙ
	// ─────────────────────────────────────────────────────────────────────────
	store := postgres.NewWorkerStore(conn, cfg.Worker.StaleAfter)
	w := worker.New(store, pipeline, log, worker.Config{
		PollInterval:   cfg.Worker.PollInterval,
		BatchSize:      cfg.Worker.BatchSize,
		Concurrency:    cfg.Worker.Concurrency,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		UnitTimeout:    cfg.Worker.UnitTimeout,
		BackoffInitial: cfg.Worker.BackoffInitial,
		BackoffMax:     cfg.Worker.BackoffMax,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ПЛАНИРОВЩИК ФОНОВЫХ ЗАДАЧ
	// ─────────────────────────────────────────────────────────────────────────
	aggregateRepo := postgres.NewAggregateRepository(conn, keys)
	snapshotRepo := postgres.NewSnapshotRepository(conn)
	outboxRepo := postgres.NewOutboxRepository(conn)

	sched := scheduler.New(scheduler.Config{Logger: log})

	if cfg.Scheduler.Enabled {
		if err := registerJobs(sched, cfg, log, aggregateRepo, snapshotRepo, outboxRepo, keys, cache); err != nil {
			return fmt.Errorf("failed to register jobs: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. OUTBOX DISPATCHER
	// ─────────────────────────────────────────────────────────────────────────
	dispatcher := messaging.New(outboxRepo, log, messaging.Config{
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
	})
	defer dispatcher.Close()

	// Подписчик-журнал: фиксирует каждую доставку. Реальные потребители
	// (нотификации, вебхуки портала) подключаются здесь же.
	if err := dispatcher.SubscribeAll(func(ctx context.Context, rec outbox.Record) error {
		log.Info("outbox record dispatched",
			"record_id", rec.ID,
			"kind", string(rec.Kind),
			"student_id", rec.StudentID,
		)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe outbox journal: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ЗАПУСК И GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gctx)
	})

	if cfg.Dispatcher.Enabled {
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Warn("scheduler stop", "error", err)
			}
		}()
	}

	log.Info("reward engine worker is running")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info("shutdown completed")
	return nil
}

// registerJobs привязывает фоновые задачи к их расписаниям.
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	log *slog.Logger,
	aggregates *postgres.AggregateRepository,
	snapshots *postgres.SnapshotRepository,
	outboxRepo *postgres.OutboxRepository,
	keys *aggregate.KeySet,
	cache *redis.Cache,
) error {
	cronSchedule, err := scheduler.ParseCron(cfg.Scheduler.SnapshotCron)
	if err != nil {
		return fmt.Errorf("invalid snapshot cron %q: %w", cfg.Scheduler.SnapshotCron, err)
	}

	genCfg := jobs.DefaultGenerateSnapshotsConfig()
	genCfg.KeepGenerations = cfg.Scheduler.SnapshotKeepGenerations
	genCfg.CachePrefix = redis.PrefixLeaderboard

	// Типизированный nil в интерфейсе не считается отсутствием кеша.
	var invalidator jobs.SnapshotCacheInvalidator
	if cache != nil {
		invalidator = cache
	}

	snapshotJob := jobs.NewGenerateSnapshotsJob(aggregates, snapshots, keys, invalidator, log, genCfg)
	if err := sched.Register(snapshotJob, cronSchedule); err != nil {
		return err
	}

	driftCfg := jobs.DefaultDriftCheckConfig()
	driftCfg.MaxStudentsPerRun = cfg.Scheduler.DriftMaxStudents
	driftJob := jobs.NewDriftCheckJob(aggregates, log, driftCfg)
	if err := sched.Register(driftJob, scheduler.NewIntervalSchedule(cfg.Scheduler.DriftInterval)); err != nil {
		return err
	}

	pruneJob := jobs.NewPruneOutboxJob(outboxRepo, log, cfg.Scheduler.OutboxRetention)
	return sched.Register(pruneJob, scheduler.NewIntervalSchedule(cfg.Scheduler.OutboxPruneInterval))
}

// connectRedis подключает кеш; отказ Redis не фатален - чтения деградируют
// до базы, воркеру кеш нужен только для инвалидации лидербордов.
func connectRedis(ctx context.Context, cfg *config.Config, log *slog.Logger) *redis.Cache {
	if cfg.Redis.Disabled {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		cache *redis.Cache
		err   error
	)

	if cfg.Redis.URL != "" {
		cache, err = redis.NewCacheFromURL(connectCtx, cfg.Redis.URL)
	} else {
		rc := redis.DefaultConfig()
		rc.Host = cfg.Redis.Host
		rc.Port = cfg.Redis.Port
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.PoolSize = cfg.Redis.PoolSize
		rc.MinIdleConns = cfg.Redis.MinIdleConns
		rc.DialTimeout = cfg.Redis.DialTimeout
		rc.ReadTimeout = cfg.Redis.ReadTimeout
		rc.WriteTimeout = cfg.Redis.WriteTimeout
		cache, err = redis.NewCache(connectCtx, rc)
	}

	if err != nil {
		log.Warn("redis unavailable, caching disabled", "error", err)
		return nil
	}

	log.Info("redis connection established")
	return cache
}

// achievementCatalog возвращает набор достижений портала.
// Каталог декларативный: новое достижение - новая запись, не новый код.
func achievementCatalog() []achievement.Definition {
	return []achievement.Definition{
		{
			ID:   "first-steps",
			Name: "First Steps",
			Criterion: achievement.Criterion{
				Source:    reward.SourceActivity,
				Increment: 1,
			},
			Target: 1,
		},
		{
			ID:   "quiz-adept",
			Name: "Quiz Adept",
			Criterion: achievement.Criterion{
				Source:       reward.SourceActivity,
				ActivityType: reward.ActivityQuiz,
				Increment:    1,
			},
			Target: 10,
		},
		{
			ID:   "assessment-veteran",
			Name: "Assessment Veteran",
			Criterion: achievement.Criterion{
				Source:    reward.SourceAssessment,
				Increment: 1,
			},
			Target: 25,
		},
		{
			ID:   "centurion",
			Name: "Centurion",
			Criterion: achievement.Criterion{
				Source:    reward.SourceActivity,
				Increment: 1,
			},
			Target: 100,
		},
	}
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	switch cfg.Observability.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
