// Package network tracks card network reachability. The router consults it
// when picking a processor; the reconciler uses status transitions to kick
// off deferred capture.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mercury-pos/mercury/internal/circuitbreaker"
)

// offlineAfterFailures is how many consecutive ping failures flip the
// monitor to offline. One blip does not take the store offline.
const offlineAfterFailures = 2

// Pinger verifies upstream reachability. Implemented by the card network
// client; nil means no processor is configured and the monitor stays offline.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is a snapshot of network state.
type Status struct {
	Online              bool      `json:"online"`
	CardNetwork         bool      `json:"cardNetwork"`
	LastCheck           time.Time `json:"lastCheck,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
}

// Monitor pings the card network on an interval and exposes reachability.
// The breaker is the same one the router trips on live traffic, so a
// processor that accepts pings but fails charges still reads unavailable.
type Monitor struct {
	pinger   Pinger
	breaker  *circuitbreaker.Breaker
	interval time.Duration
	logger   *slog.Logger

	mu                  sync.RWMutex
	online              bool
	consecutiveFailures int
	lastCheck           time.Time
	lastError           string
	onChange            func(online bool)

	stop    chan struct{}
	running atomic.Bool
}

// NewMonitor creates a network monitor. The monitor starts optimistic when
// a pinger exists; the first sweep corrects it.
func NewMonitor(pinger Pinger, breaker *circuitbreaker.Breaker, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		breaker:  breaker,
		interval: interval,
		logger:   logger,
		online:   pinger != nil,
		stop:     make(chan struct{}),
	}
}

// OnChange registers a callback invoked when online status flips.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// IsOnline reports whether the last checks reached the card network.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsCardNetworkAvailable reports whether card payments can go online right
// now: reachable and the processor breaker is not open.
func (m *Monitor) IsCardNetworkAvailable() bool {
	if !m.IsOnline() {
		return false
	}
	if m.breaker != nil && m.breaker.State() == circuitbreaker.StateOpen {
		return false
	}
	return true
}

// Status returns a snapshot of network state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{
		Online:              m.online,
		LastCheck:           m.lastCheck,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
	}
	s.CardNetwork = s.Online
	if m.breaker != nil && m.breaker.State() == circuitbreaker.StateOpen {
		s.CardNetwork = false
	}
	return s
}

// SetOnline overrides the detected status, for tests and manual failover.
// The next sweep re-detects.
func (m *Monitor) SetOnline(online bool) {
	m.setOnline(online, "manual override")
}

// Running reports whether the check loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the check loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	m.safeCheck(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheck(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// CheckNow runs one reachability check immediately.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.safeCheck(ctx)
	return m.IsOnline()
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in network monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.check(ctx)
}

func (m *Monitor) check(ctx context.Context) {
	now := time.Now()

	if m.pinger == nil {
		reason := "no card network client configured"
		m.mu.Lock()
		m.lastCheck = now
		m.lastError = reason
		m.mu.Unlock()
		m.setOnline(false, reason)
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := m.pinger.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	m.lastCheck = now
	if err != nil {
		m.consecutiveFailures++
		m.lastError = err.Error()
		failures := m.consecutiveFailures
		m.mu.Unlock()
		checksTotal.WithLabelValues("failure").Inc()
		if failures >= offlineAfterFailures {
			m.setOnline(false, err.Error())
		}
		return
	}
	m.consecutiveFailures = 0
	m.lastError = ""
	m.mu.Unlock()
	checksTotal.WithLabelValues("success").Inc()
	m.setOnline(true, "")
}

func (m *Monitor) setOnline(online bool, reason string) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	fn := m.onChange
	m.mu.Unlock()

	if online {
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}

	if !changed {
		return
	}
	if online {
		m.logger.Info("network status: online")
	} else {
		m.logger.Warn("network status: offline", "reason", reason)
	}
	if fn != nil {
		fn(online)
	}
}
