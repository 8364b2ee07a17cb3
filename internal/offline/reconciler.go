package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mercury-pos/mercury/internal/queue"
)

// reenqueueAfter is how long the reconciler waits before re-enqueuing a
// capture whose earlier queue operation never completed.
const reenqueueAfter = time.Hour

// Reconciler watches for pending offline captures and enqueues them once
// the card network is reachable again.
type Reconciler struct {
	service   *Service
	processor *queue.Processor
	available Available
	interval  time.Duration
	logger    *slog.Logger

	stop    chan struct{}
	running atomic.Bool

	// enqueued tracks captures already handed to the queue so a sweep
	// does not duplicate them while the operation is in flight.
	enqueued map[string]time.Time
	now      func() time.Time
}

// NewReconciler creates a reconciler that drains pending offline captures
// through the queue.
func NewReconciler(service *Service, processor *queue.Processor, available Available, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Reconciler{
		service:   service,
		processor: processor,
		available: available,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		enqueued:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// ReconcileNow runs one sweep immediately, used when connectivity returns.
func (r *Reconciler) ReconcileNow(ctx context.Context) {
	r.safeSweep(ctx)
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in offline reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.sweep(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) {
	if r.available != nil && !r.available() {
		return
	}

	pending, err := r.service.GetPendingOfflinePayments(ctx, "")
	if err != nil {
		r.logger.Error("failed to list pending offline captures", "error", err)
		return
	}

	pendingCaptures.Set(float64(len(pending)))

	// Forget captures that have since completed.
	live := make(map[string]bool, len(pending))
	for _, p := range pending {
		live[p.PaymentID] = true
	}
	for id := range r.enqueued {
		if !live[id] {
			delete(r.enqueued, id)
		}
	}

	now := r.now()
	enqueued := 0
	for _, p := range pending {
		if at, ok := r.enqueued[p.PaymentID]; ok && now.Sub(at) < reenqueueAfter {
			continue
		}
		_, err := r.processor.Enqueue(ctx, queue.TypePaymentCapture, queue.CapturePayload{
			PaymentID:   p.PaymentID,
			AmountCents: p.AmountCents,
			LocationID:  p.LocationID,
		}, 1)
		if err != nil {
			r.logger.Error("failed to enqueue offline capture",
				"paymentId", p.PaymentID, "error", err)
			continue
		}
		r.enqueued[p.PaymentID] = now
		enqueued++
	}

	if enqueued > 0 {
		r.logger.Info("offline captures enqueued",
			"pending", len(pending), "enqueued", enqueued)
		r.processor.ProcessNow(ctx)
	}
}
