package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/gatekeeper/internal/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ErrNoProcessor marks events from providers nobody handles.
var ErrNoProcessor = errors.New("webhook: no processor registered")

// Processor handles one verified event.
type Processor interface {
	Process(ctx context.Context, ev *Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev *Event) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds one processing attempt; an overrun marks the event
	// failed for replay.
	Timeout time.Duration
	// MaxAttempts caps processing attempts per event. Events that reach it
	// stay failed until an operator intervenes.
	MaxAttempts int
}

// Dispatcher processes stored events on a bounded worker pool.
type Dispatcher struct {
	db      *gorm.DB
	cfg     DispatcherConfig
	queue   chan uuid.UUID
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	processors map[string]Processor

	// Events whose processor is still running, including ones that
	// overran their timeout.
	flightMu sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start the workers.
func NewDispatcher(db *gorm.DB, cfg DispatcherConfig, logger *otelzap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		db:         db,
		cfg:        cfg,
		queue:      make(chan uuid.UUID, cfg.QueueSize),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		processors: make(map[string]Processor),
		inflight:   make(map[uuid.UUID]struct{}),
	}
}

// Register installs the processor for a provider's events.
func (d *Dispatcher) Register(providerName string, p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processors[providerName] = p
}

func (d *Dispatcher) processor(providerName string) (Processor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.processors[providerName]
	return p, ok
}

// Enqueue implements Enqueuer.
func (d *Dispatcher) Enqueue(id uuid.UUID) bool {
	select {
	case d.queue <- id:
		return true
	default:
		return false
	}
}

// Run processes queued events until ctx is cancelled, then waits for
// in-flight events.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Webhook dispatcher starting", zap.Int("workers", d.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					if err := d.Process(context.WithoutCancel(gctx), id); err != nil {
						d.logger.Error("Webhook processing error", zap.Stringer("event_id", id), zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Process claims and handles one event. Events already processed, claimed
// elsewhere, out of attempts or still running are skipped.
func (d *Dispatcher) Process(ctx context.Context, id uuid.UUID) error {
	_, err := d.process(ctx, id)
	return err
}

func (d *Dispatcher) process(ctx context.Context, id uuid.UUID) (bool, error) {
	var ev Event
	if err := d.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		return false, fmt.Errorf("loading webhook event: %w", err)
	}
	if ev.Status != StatusPending && ev.Status != StatusFailed {
		return false, nil
	}
	if ev.Attempts >= d.cfg.MaxAttempts || !d.enter(ev.ID) {
		return false, nil
	}
	release := true
	defer func() {
		if release {
			d.leave(ev.ID)
		}
	}()

	res := d.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND attempts = ? AND status IN ?", ev.ID, ev.Attempts, []string{StatusPending, StatusFailed}).
		Update("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("claiming webhook event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ev.Attempts++

	fields := []zap.Field{
		zap.String("provider", ev.Provider),
		zap.String("tenant", ev.Tenant),
		zap.String("topic", ev.Topic),
		zap.Stringer("event_id", ev.ID),
		zap.Int("attempt", ev.Attempts),
	}

	release = false
	procErr := d.run(ctx, &ev)
	if procErr != nil {
		d.logger.Ctx(ctx).Warn("Webhook processing failed", append(fields, zap.Error(procErr))...)
		return true, d.finish(ctx, ev, StatusFailed, procErr.Error())
	}
	d.logger.Ctx(ctx).Info("Webhook processed", fields...)
	return true, d.finish(ctx, ev, StatusProcessed, "")
}

func (d *Dispatcher) enter(id uuid.UUID) bool {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) leave(id uuid.UUID) {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	delete(d.inflight, id)
}


// run takes ev out of flight once its processor returns, even after a
// timeout.
func (d *Dispatcher) run(ctx context.Context, ev *Event) error {
	p, ok := d.processor(ev.Provider)
	if !ok {
		d.leave(ev.ID)
		return fmt.Errorf("%w: %s", ErrNoProcessor, ev.Provider)
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("processor panic: %v", r)
			}
			d.leave(ev.ID)
			done <- err
		}()
		err = p.Process(pctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return fmt.Errorf("processing timed out after %s", d.cfg.Timeout)
	}
}

func (d *Dispatcher) finish(ctx context.Context, ev Event, status, lastError string) error {
	updates := map[string]any{
		"status":     status,
		"last_error": lastError,
	}
	if status == StatusProcessed {
		now := d.now().UTC()
		updates["processed_at"] = &now
	}
	if err := d.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating webhook event: %w", err)
	}
	d.metrics.RecordWebhook(ev.Provider, status)
	return nil
}

// Replay re-processes up to limit failed events, and pending events older
// than twice the processing timeout, inline. Events out of attempts are
// left alone. It returns how many events were actually run.
func (d *Dispatcher) Replay(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale := d.now().UTC().Add(-2 * d.cfg.Timeout)

	var ids []uuid.UUID
	err := d.db.WithContext(ctx).Model(&Event{}).
		Where("status = ? OR (status = ? AND received_at < ?)", StatusFailed, StatusPending, stale).
		Where("attempts < ?", d.cfg.MaxAttempts).
		Order("received_at").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("listing replayable webhook events: %w", err)
	}

	replayed := 0
	for _, id := range ids {
		ran, err := d.process(ctx, id)
		if err != nil {
			return replayed, err
		}
		if ran {
			replayed++
		}
	}
	return replayed, nil
}

// CleanupExpired deletes up to batch events past retention.
func (d *Dispatcher) CleanupExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	ids := d.db.Model(&Event{}).
		Select("id").
		Where("expires_at <= ?", now.UTC()).
		Order("expires_at").
		Limit(batch)
	res := d.db.WithContext(ctx).Where("id IN (?)", ids).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired webhook events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ Enqueuer = (*Dispatcher)(nil)
