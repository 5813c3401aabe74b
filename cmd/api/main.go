// Package main - точка входа REST API движка наград.
//
// API процесс обслуживает только чтения дашборда (суммы баллов, уровни,
// достижения, лидерборды из снапшотов) и операторские ручки: ручные
// корректировки, dead-letter очередь, без фоновых циклов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eduhub/reward-engine/config"
	"github.com/eduhub/reward-engine/internal/application/query"
	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/postgres"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/redis"
	httpapi "github.com/eduhub/reward-engine/internal/interface/http"
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
	log.Info("starting reward engine API",
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

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	cache := connectRedis(ctx, cfg, log)
	if cache != nil {
		defer cache.Close()
	}

	// Типизированный nil в интерфейсе не считается отсутствием кеша.
	var queryCache query.Cache
	var pinger httpapi.Pinger
	if cache != nil {
		queryCache = cache
		pinger = cache
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ЧИТАЮЩАЯ СТОРОНА (CQRS)
	// ─────────────────────────────────────────────────────────────────────────
	keys := aggregate.NewKeySet(timeutil.NewTermResolver(cfg.Terms))
	aggregateRepo := postgres.NewAggregateRepository(conn, keys)
	snapshotRepo := postgres.NewSnapshotRepository(conn)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ПИШУЩАЯ СТОРОНА ДЛЯ КОРРЕКТИРОВОК
	// Ручные корректировки идут через тот же транзакционный пайплайн,
	// что и воркер: событие, агрегаты, уровни и outbox меняются вместе.
	// ─────────────────────────────────────────────────────────────────────────
	levels, err := level.NewEngine(level.Curve{
		Base:     cfg.Level.Base,
		Exponent: cfg.Level.Exponent,
	})
	if err != nil {
		return fmt.Errorf("invalid level curve: %w", err)
	}

	// Корректировки не двигают достижения, пустой каталог достаточен.
	achievements, err := achievement.NewEngine(nil)
	if err != nil {
		return fmt.Errorf("achievement engine: %w", err)
	}

	pipeline := worker.NewPipeline(
		reward.NewPointsEngine(reward.DefaultPointsTable()),
		keys,
		levels,
		achievements,
		log,
	)
	store := postgres.NewWorkerStore(conn, cfg.Worker.StaleAfter)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.EnableCORS = cfg.HTTP.EnableCORS
	httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute
	httpCfg.APIKeys = cfg.HTTP.APIKeys

	server := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		GetLeaderboardHandler:  query.NewGetLeaderboardHandler(snapshotRepo, keys, queryCache),
		GetStudentRankHandler:  query.NewGetStudentRankHandler(snapshotRepo, keys),
		GetPointsSummary:       query.NewGetPointsSummaryHandler(aggregateRepo, keys, queryCache),
		GetStudentLevel:        query.NewGetStudentLevelHandler(aggregateRepo, queryCache),
		GetStudentAchievements: query.NewGetStudentAchievementsHandler(aggregateRepo),
		WorkerStore:            store,
		Pipeline:               pipeline,
		Database:               conn,
		Cache:                  pinger,
		Logger:                 log,
	})

	errCh := server.StartAsync()
	log.Info("reward engine API is running", "address", httpCfg.Address())

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("shutdown completed")
	return nil
}

// connectRedis подключает кеш; без Redis API работает напрямую от базы.
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
