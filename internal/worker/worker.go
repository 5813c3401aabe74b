package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eduhub/reward-engine/pkg/circuitbreaker"
	"github.com/eduhub/reward-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config - настройки поллинга и ретраев воркера.
type Config struct {
	// PollInterval - период опроса фида и очереди единиц.
	PollInterval time.Duration

	// BatchSize - максимум единиц, захватываемых за один цикл.
	BatchSize int

	// Concurrency - число параллельно обрабатываемых единиц.
	Concurrency int

	// MaxAttempts - максимум попыток до перевода единицы в DEAD.
	MaxAttempts int

	// UnitTimeout - таймаут транзакции обработки одной единицы.
	UnitTimeout time.Duration

	// BackoffInitial и BackoffMax задают кривую задержек между ретраями.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      50,
		Concurrency:    4,
		MaxAttempts:    5,
		UnitTimeout:    30 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = def.UnitTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKER
// ══════════════════════════════════════════════════════════════════════════════

// Worker - поллинг-цикл обработки завершений.
// Цикл: discover (фид -> единицы) -> claim (захват due-единиц) -> обработка
// батча ограниченным пулом горутин. Circuit breaker вокруг хранилища
// приостанавливает поллинг, пока БД лежит.
type Worker struct {
	store    Store
	pipeline *Pipeline
	breaker  *circuitbreaker.CircuitBreaker
	logger   *slog.Logger
	config   Config

	now func() time.Time
}

// New создаёт воркер.
func New(store Store, pipeline *Pipeline, logger *slog.Logger, config Config) *Worker {
	config.normalize()

	w := &Worker{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}

	w.breaker = circuitbreaker.StoreBreaker(func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	return w
}

// Run запускает поллинг-цикл до отмены контекста.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("reward worker started",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("batch_size", w.config.BatchSize),
		slog.Int("concurrency", w.config.Concurrency),
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reward worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunCycle(ctx); err != nil {
				if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
					w.logger.Warn("store circuit open, skipping poll cycle")
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				w.logger.Error("poll cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCycle выполняет один цикл поллинга: discover + claim + обработка батча.
// Экспортирован для запуска по требованию (RunNow планировщика и тесты).
func (w *Worker) RunCycle(ctx context.Context) error {
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		discovered, err := w.store.DiscoverUnits(ctx, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("discover units: %w", err)
		}
		if discovered > 0 {
			w.logger.Debug("discovered work units", slog.Int("count", discovered))
		}

		units, err := w.store.ClaimDue(ctx, w.config.BatchSize, w.now())
		if err != nil {
			return fmt.Errorf("claim due units: %w", err)
		}
		if len(units) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.config.Concurrency)
		for _, unit := range units {
			g.Go(func() error {
				w.processUnit(gctx, unit)
				// Отказ одной единицы не роняет батч: он уже зафиксирован
				// в её собственном состоянии.
				return nil
			})
		}
		return g.Wait()
	})
}

// processUnit обрабатывает одну единицу: транзакция пайплайна при успехе,
// FAILED/DEAD с backoff при отказе.
func (w *Worker) processUnit(ctx context.Context, unit *Unit) {
	uctx, cancel := context.WithTimeout(ctx, w.config.UnitTimeout)
	defer cancel()

	err := w.store.InTx(uctx, func(ctx context.Context, tx Tx) error {
		return w.pipeline.ProcessUnit(ctx, tx, unit)
	})
	if err == nil {
		if cerr := unit.Complete(w.now()); cerr != nil {
			w.logger.Error("unit state desync", slog.String("unit_id", unit.ID), slog.String("error", cerr.Error()))
		}
		w.logger.Info("unit processed",
			slog.String("unit_id", unit.ID),
			slog.String("student_id", unit.Completion.StudentID),
			slog.Int("attempts", unit.Attempts),
		)
		return
	}

	permanent := retry.IsPermanent(err)
	backoff := retry.Backoff(unit.Attempts,
		retry.WithInitialDelay(w.config.BackoffInitial),
		retry.WithMaxDelay(w.config.BackoffMax),
	)

	if ferr := unit.Fail(err, permanent, w.config.MaxAttempts, backoff, w.now()); ferr != nil {
		w.logger.Error("unit state desync", slog.String("unit_id", unit.ID), slog.String("error", ferr.Error()))
		return
	}

	if rerr := w.store.ReleaseFailure(ctx, unit); rerr != nil {
		// Единица осталась PROCESSING в хранилище; её подберёт следующий
		// цикл по таймауту захвата.
		w.logger.Error("release failed unit",
			slog.String("unit_id", unit.ID),
			slog.String("error", rerr.Error()),
		)
		return
	}

	if unit.Status == StatusDead {
		w.logger.Error("unit moved to dead letter",
			slog.String("unit_id", unit.ID),
			slog.String("dedup_key", unit.Completion.DedupKey().String()),
			slog.Int("attempts", unit.Attempts),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Warn("unit failed, will retry",
		slog.String("unit_id", unit.ID),
		slog.Int("attempts", unit.Attempts),
		slog.Time("next_attempt_at", unit.NextAttemptAt),
		slog.String("error", err.Error()),
	)
}
