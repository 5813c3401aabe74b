// Package messaging delivers transactional outbox records to downstream
// consumers. Records are written in the same transaction as the state change
// they describe; the dispatcher polls the outbox table and fans each record
// out to the subscribers registered for its kind. Delivery is at-least-once:
// a record is stamped published only after every subscriber accepted it.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/outbox"
)

// ══════════════════════════════════════════════════════════════════════════════
// SOURCE & HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// Source supplies unpublished outbox records and stamps delivered ones.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]outbox.Record, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// Handler consumes one outbox record. Returning an error leaves the record
// unpublished; the next dispatch cycle retries it.
type Handler func(ctx context.Context, record outbox.Record) error

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher polls the outbox and delivers records to subscribers.
type Dispatcher struct {
	mu sync.RWMutex

	source      Source
	handlers    map[outbox.Kind][]Handler
	allHandlers []Handler
	logger      *slog.Logger
	config      Config
	metrics     *Metrics
	closed      bool
}

// Config contains configuration for the Dispatcher.
type Config struct {
	// PollInterval is how often the outbox is polled.
	PollInterval time.Duration

	// BatchSize is the maximum number of records fetched per cycle.
	BatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    100,
	}
}

// New creates a new Dispatcher.
func New(source Source, logger *slog.Logger, config Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &Dispatcher{
		source:   source,
		handlers: make(map[outbox.Kind][]Handler),
		logger:   logger,
		config:   config,
		metrics:  NewMetrics(),
	}
}

// Subscribe registers a handler for a specific record kind.
func (d *Dispatcher) Subscribe(kind outbox.Kind, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if !kind.IsValid() {
		return outbox.ErrInvalidKind
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	d.handlers[kind] = append(d.handlers[kind], handler)
	d.logger.Debug("subscribed handler", "kind", string(kind))

	return nil
}

// SubscribeAll registers a handler for every record kind.
func (d *Dispatcher) SubscribeAll(handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	d.allHandlers = append(d.allHandlers, handler)
	d.logger.Debug("subscribed global handler")

	return nil
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started",
		"poll_interval", d.config.PollInterval.String(),
		"batch_size", d.config.BatchSize,
	)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Dispatch(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// Dispatch runs one delivery cycle and returns the number of records
// published. Records whose handlers fail stay unpublished and are retried on
// the next cycle; consumers are expected to deduplicate by record id.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	records, err := d.source.FetchUnpublished(ctx, d.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(records))
	for _, record := range records {
		if err := d.deliver(ctx, record); err != nil {
			d.metrics.RecordDelivery(record.Kind, false)
			d.logger.Warn("record delivery failed, will retry",
				"record_id", record.ID,
				"kind", string(record.Kind),
				"error", err,
			)
			continue
		}
		d.metrics.RecordDelivery(record.Kind, true)
		published = append(published, record.ID)
	}

	if len(published) > 0 {
		if err := d.source.MarkPublished(ctx, published, time.Now().UTC()); err != nil {
			return 0, err
		}
	}

	return len(published), nil
}

// deliver fans one record out to its subscribers.
func (d *Dispatcher) deliver(ctx context.Context, record outbox.Record) error {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[record.Kind])+len(d.allHandlers))
	handlers = append(handlers, d.handlers[record.Kind]...)
	handlers = append(handlers, d.allHandlers...)
	d.mu.RUnlock()

	// A record without subscribers is published unchanged: the outbox keeps
	// its history, and late subscribers only see records created after them.
	if len(handlers) == 0 {
		d.logger.Debug("no handlers for record", "kind", string(record.Kind))
		return nil
	}

	for _, handler := range handlers {
		if err := handler(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// Close stops accepting new subscriptions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// GetMetrics returns dispatcher metrics.
func (d *Dispatcher) GetMetrics() *Metrics {
	return d.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks delivery counts per record kind.
type Metrics struct {
	mu sync.RWMutex

	DeliveredByKind map[outbox.Kind]int64
	FailuresByKind  map[outbox.Kind]int64
	LastDelivery    time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		DeliveredByKind: make(map[outbox.Kind]int64),
		FailuresByKind:  make(map[outbox.Kind]int64),
	}
}

// RecordDelivery records one delivery attempt.
func (m *Metrics) RecordDelivery(kind outbox.Kind, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.DeliveredByKind[kind]++
		m.LastDelivery = time.Now()
	} else {
		m.FailuresByKind[kind]++
	}
}

// Delivered returns the successful delivery count for a kind.
func (m *Metrics) Delivered(kind outbox.Kind) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DeliveredByKind[kind]
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrDispatcherClosed is returned when subscribing after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)
