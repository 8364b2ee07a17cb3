package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mercury-pos/mercury/internal/idgen"
)

// maxConcurrent bounds how many operations one sweep works in parallel.
const maxConcurrent = 5

// defaultMaxAttempts applies when an operation is enqueued without one.
const defaultMaxAttempts = 5

// Handler executes one queued operation. A nil return completes the
// operation; an error counts one attempt against MaxAttempts.
type Handler func(ctx context.Context, op *Operation) error

// Processor drains the queue on an interval. Handlers are registered per
// operation type before Start; an operation whose type has no handler is
// failed immediately rather than retried forever.
type Processor struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[Type]Handler

	// gate, when set, is consulted before each sweep. Used to hold the
	// queue while the card network is unreachable.
	gate func() bool

	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
	now      func() time.Time
}

// NewProcessor creates a queue processor.
func NewProcessor(store Store, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Processor{
		store:    store,
		interval: interval,
		logger:   logger,
		handlers: make(map[Type]Handler),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to an operation type.
func (p *Processor) RegisterHandler(t Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// Gate installs a predicate consulted before each sweep; a false return
// skips the sweep entirely.
func (p *Processor) Gate(fn func() bool) {
	p.gate = fn
}

// Enqueue persists a new pending operation and returns it.
func (p *Processor) Enqueue(ctx context.Context, t Type, payload any, priority int) (*Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	now := p.now()
	op := &Operation{
		ID:          idgen.WithPrefix("op_"),
		Type:        t,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: defaultMaxAttempts,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	queueDepth(ctx, p.store)
	p.logger.Info("operation enqueued",
		"operationId", op.ID, "type", string(t), "priority", priority)
	return op, nil
}

// Running reports whether the drain loop is actively running.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Start begins the drain loop. Call in a goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeSweep(ctx)
		}
	}
}

// Stop signals the processor to stop.
func (p *Processor) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

// ProcessNow runs one sweep immediately. Used when connectivity returns so
// queued captures do not wait for the next tick.
func (p *Processor) ProcessNow(ctx context.Context) {
	p.safeSweep(ctx)
}

func (p *Processor) safeSweep(ctx context.Context) {
	// Sweeps can overlap when ProcessNow races the ticker; only one runs.
	if !p.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer p.sweeping.Store(false)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in queue processor", "panic", fmt.Sprint(r))
		}
	}()
	p.sweep(ctx)
}

func (p *Processor) sweep(ctx context.Context) {
	if p.gate != nil && !p.gate() {
		return
	}

	ops, err := p.store.ListPending(ctx, maxConcurrent)
	if err != nil {
		p.logger.Error("failed to list pending operations", "error", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	start := p.now()
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			p.processOne(ctx, op)
		}(op)
	}
	wg.Wait()

	queueDepth(ctx, p.store)
	p.logger.Info("queue sweep complete",
		"operations", len(ops),
		"elapsedMs", time.Since(start).Milliseconds(),
	)
}

func (p *Processor) processOne(ctx context.Context, op *Operation) {
	p.mu.RLock()
	handler, ok := p.handlers[op.Type]
	p.mu.RUnlock()

	if !ok {
		op.Status = StatusFailed
		op.Error = ErrUnknownType.Error()
		op.UpdatedAt = p.now()
		if err := p.store.Update(ctx, op); err != nil {
			p.logger.Error("failed to fail unknown operation",
				"operationId", op.ID, "error", err)
		}
		operationsTotal.WithLabelValues(string(op.Type), "failed").Inc()
		p.logger.Error("operation has no registered handler",
			"operationId", op.ID, "type", string(op.Type))
		return
	}

	op.Status = StatusProcessing
	op.Attempts++
	op.UpdatedAt = p.now()
	if err := p.store.Update(ctx, op); err != nil {
		p.logger.Error("failed to claim operation", "operationId", op.ID, "error", err)
		return
	}

	err := handler(ctx, op)
	now := p.now()
	op.UpdatedAt = now

	switch {
	case err == nil:
		op.Status = StatusCompleted
		op.Error = ""
		op.CompletedAt = &now
		operationsTotal.WithLabelValues(string(op.Type), "completed").Inc()
		p.logger.Info("operation completed",
			"operationId", op.ID, "type", string(op.Type), "attempts", op.Attempts)
	case op.Attempts >= op.MaxAttempts:
		op.Status = StatusFailed
		op.Error = err.Error()
		operationsTotal.WithLabelValues(string(op.Type), "failed").Inc()
		p.logger.Error("operation failed permanently",
			"operationId", op.ID, "type", string(op.Type),
			"attempts", op.Attempts, "error", err)
	default:
		// Back to pending; the next sweep retries it.
		op.Status = StatusPending
		op.Error = err.Error()
		operationsTotal.WithLabelValues(string(op.Type), "retried").Inc()
		p.logger.Warn("operation attempt failed",
			"operationId", op.ID, "type", string(op.Type),
			"attempt", op.Attempts, "maxAttempts", op.MaxAttempts, "error", err)
	}

	if err := p.store.Update(ctx, op); err != nil {
		p.logger.Error("failed to record operation result",
			"operationId", op.ID, "error", err)
	}
}

// Cleanup deletes completed operations older than the retention window.
func (p *Processor) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := p.now().Add(-retention)
	deleted, err := p.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	if deleted > 0 {
		p.logger.Info("queue cleanup complete", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Metrics returns the queue's aggregate snapshot.
func (p *Processor) Metrics(ctx context.Context) (*Metrics, error) {
	m, err := p.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	m.finalize()
	return m, nil
}

func queueDepth(ctx context.Context, store Store) {
	m, err := store.Metrics(ctx)
	if err != nil {
		return
	}
	pendingOperations.Set(float64(m.Pending))
	failedOperations.Set(float64(m.Failed))
}
