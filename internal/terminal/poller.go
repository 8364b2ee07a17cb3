package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Poller periodically recomputes health for every registered terminal.
// The interval is injected so tests can use a short one instead of sleeping
// through the production default of five minutes.
type Poller struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	// onSweep, when set, receives each sweep's snapshots (realtime hub).
	onSweep func([]*Health)
}

// NewPoller creates a health poller for the manager.
func NewPoller(manager *Manager, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnSweep registers a callback invoked with each sweep's results.
func (p *Poller) OnSweep(fn func([]*Health)) {
	p.onSweep = fn
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	// Initial sweep so health is populated before the first tick.
	p.safeSweep(ctx)

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

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in terminal health poller", "panic", fmt.Sprint(r))
		}
	}()
	p.sweep(ctx)
}

func (p *Poller) sweep(ctx context.Context) {
	start := time.Now()
	snapshots := p.manager.CheckAll(ctx)

	healthy := 0
	for _, h := range snapshots {
		if h.Healthy {
			healthy++
		}
	}

	p.logger.Info("terminal health sweep complete",
		"terminals", len(snapshots),
		"healthy", healthy,
		"elapsedMs", time.Since(start).Milliseconds(),
	)

	if p.onSweep != nil {
		p.onSweep(snapshots)
	}
}
