package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mercury-pos/mercury/internal/circuitbreaker"
	"github.com/mercury-pos/mercury/internal/idgen"
	"github.com/mercury-pos/mercury/internal/pax"
	"github.com/mercury-pos/mercury/internal/traces"
)

// lowBatteryPercent is the threshold below which a terminal is flagged.
const lowBatteryPercent = 20

// PAXAgent is the slice of the pax.Agent surface the manager needs.
// Satisfied by *pax.Agent; tests substitute a fake.
type PAXAgent interface {
	RegisterTerminal(ctx context.Context, cfg pax.TerminalConfig) error
	UnregisterTerminal(terminalID string)
	SetEnabled(terminalID string, enabled bool)
	GetTerminalStatus(ctx context.Context, terminalID string) *pax.TerminalStatus
	ProcessTransaction(ctx context.Context, terminalID string, req pax.TransactionRequest) (*pax.TransactionResult, error)
	CancelTransaction(ctx context.Context, terminalID string) error
}

// Manager owns the terminal registry and health map. The registry is the
// authoritative runtime view, loaded from the store at startup; both maps
// are mutex-guarded since poller, HTTP handlers, and the router touch them
// concurrently.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
	health    map[string]*Health
	breakers  map[string]*circuitbreaker.Breaker // per-terminal, PAX only

	store      Store
	agent      PAXAgent
	breakerCfg circuitbreaker.Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a terminal manager. Terminal transactions are wrapped
// in a per-terminal circuit breaker with the given config: terminal TCP is
// remote I/O with the same failure modes as the card network.
func NewManager(store Store, agent PAXAgent, breakerCfg circuitbreaker.Config, logger *slog.Logger) *Manager {
	return &Manager{
		terminals:  make(map[string]*Terminal),
		health:     make(map[string]*Health),
		breakers:   make(map[string]*circuitbreaker.Breaker),
		store:      store,
		agent:      agent,
		breakerCfg: breakerCfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Load populates the registry from persistent storage and re-registers
// PAX terminals with the agent. Called once at startup.
func (m *Manager) Load(ctx context.Context) error {
	terminals, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("terminal: load registry: %w", err)
	}

	m.mu.Lock()
	for _, t := range terminals {
		m.terminals[t.ID] = t
	}
	m.mu.Unlock()

	for _, t := range terminals {
		if t.Type != TypePAX {
			continue
		}
		if err := m.agent.RegisterTerminal(ctx, paxConfig(t)); err != nil {
			m.logger.Error("failed to re-register terminal with agent",
				"terminalId", t.ID, "error", err)
		}
	}

	m.logger.Info("terminal registry loaded", "count", len(terminals))
	terminalsRegistered.Set(float64(len(terminals)))
	return nil
}

func paxConfig(t *Terminal) pax.TerminalConfig {
	return pax.TerminalConfig{
		TerminalID: t.ID,
		IPAddress:  t.IPAddress,
		Port:       t.Port,
		LocationID: t.LocationID,
		Enabled:    t.Enabled,
	}
}

// validate checks a terminal record; PAX terminals require a connection.
func validate(t *Terminal) error {
	if t.Name == "" {
		return errors.New("terminal: name is required")
	}
	if t.LocationID == "" {
		return errors.New("terminal: locationId is required")
	}
	switch t.Type {
	case TypePAX:
		if t.IPAddress == "" || t.Port == 0 {
			return errors.New("terminal: PAX terminals require ipAddress and port")
		}
	case TypeVirtual:
	default:
		return fmt.Errorf("terminal: unknown type %q", t.Type)
	}
	return nil
}

// Register validates, persists, and activates a terminal. PAX terminals
// are delegated to the agent for wire-level registration.
func (m *Manager) Register(ctx context.Context, t *Terminal) (*Terminal, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = idgen.WithPrefix("term_")
	}
	now := m.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if t.Type == TypePAX {
		if err := m.agent.RegisterTerminal(ctx, paxConfig(t)); err != nil {
			return nil, err
		}
	}

	if err := m.store.Create(ctx, t); err != nil {
		if t.Type == TypePAX {
			m.agent.UnregisterTerminal(t.ID)
		}
		return nil, err
	}

	m.mu.Lock()
	cp := *t
	m.terminals[t.ID] = &cp
	n := len(m.terminals)
	m.mu.Unlock()
	terminalsRegistered.Set(float64(n))

	m.logger.Info("terminal registered",
		"terminalId", t.ID, "type", string(t.Type), "locationId", t.LocationID)
	return t, nil
}

// Update mutates a terminal record; connection changes re-register with the agent.
func (m *Manager) Update(ctx context.Context, t *Terminal) (*Terminal, error) {
	if err := validate(t); err != nil {
		return nil, err
	}

	existing, err := m.Get(t.ID)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = m.now()

	if t.Type == TypePAX {
		if t.IPAddress != existing.IPAddress || t.Port != existing.Port {
			if err := m.agent.RegisterTerminal(ctx, paxConfig(t)); err != nil {
				return nil, err
			}
		}
		m.agent.SetEnabled(t.ID, t.Enabled)
	}

	if err := m.store.Update(ctx, t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cp := *t
	m.terminals[t.ID] = &cp
	m.mu.Unlock()

	m.logger.Info("terminal updated", "terminalId", t.ID, "enabled", t.Enabled)
	return t, nil
}

// Unregister removes a terminal from the registry, the store, and the agent.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if t.Type == TypePAX {
		m.agent.UnregisterTerminal(id)
	}

	m.mu.Lock()
	delete(m.terminals, id)
	delete(m.health, id)
	delete(m.breakers, id)
	n := len(m.terminals)
	m.mu.Unlock()
	terminalsRegistered.Set(float64(n))

	m.logger.Info("terminal unregistered", "terminalId", id)
	return nil
}

// Get returns a terminal from the runtime registry.
func (m *Manager) Get(id string) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns all registered terminals, optionally filtered by location.
func (m *Manager) List(locationID string) []*Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Terminal
	for _, t := range m.terminals {
		if locationID != "" && t.LocationID != locationID {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// CheckTerminalHealth recomputes one terminal's health snapshot.
// VIRTUAL terminals are always healthy; PAX terminals map paper, battery,
// and probe errors into issues. healthy = online && no issues.
func (m *Manager) CheckTerminalHealth(ctx context.Context, id string) (*Health, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	h := &Health{TerminalID: id, LastCheck: now}

	switch t.Type {
	case TypeVirtual:
		h.Online = true
		h.Healthy = true
		h.LastHeartbeat = now
	case TypePAX:
		status := m.agent.GetTerminalStatus(ctx, id)
		h.Online = status.Online
		if status.Online {
			h.LastHeartbeat = status.LastHeartbeat
		}
		h.Issues = append(h.Issues, status.Errors...)
		if status.PaperStatus == "low" {
			h.Issues = append(h.Issues, "paper low")
		}
		if status.PaperStatus == "out" {
			h.Issues = append(h.Issues, "paper out")
		}
		if status.BatteryPercent > 0 && status.BatteryPercent < lowBatteryPercent {
			h.Issues = append(h.Issues, fmt.Sprintf("battery low (%d%%)", status.BatteryPercent))
		}
		h.Healthy = h.Online && len(h.Issues) == 0
	}

	m.mu.Lock()
	if prev, ok := m.health[id]; ok && h.LastHeartbeat.IsZero() {
		h.LastHeartbeat = prev.LastHeartbeat // keep last known heartbeat while offline
	}
	m.health[id] = h
	m.mu.Unlock()

	if h.Healthy {
		healthChecksTotal.WithLabelValues("healthy").Inc()
	} else {
		healthChecksTotal.WithLabelValues("unhealthy").Inc()
		m.logger.Warn("terminal unhealthy",
			"terminalId", id, "online", h.Online, "issues", h.Issues)
	}
	return h, nil
}

// CheckAll polls every registered terminal and returns the snapshots.
func (m *Manager) CheckAll(ctx context.Context) []*Health {
	terminals := m.List("")

	result := make([]*Health, 0, len(terminals))
	healthy := 0
	for _, t := range terminals {
		h, err := m.CheckTerminalHealth(ctx, t.ID)
		if err != nil {
			continue
		}
		if h.Healthy {
			healthy++
		}
		result = append(result, h)
	}
	terminalsHealthy.Set(float64(healthy))
	return result
}

// GetAllTerminalHealth returns the latest health snapshots without probing.
func (m *Manager) GetAllTerminalHealth() []*Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Health, 0, len(m.health))
	for _, h := range m.health {
		cp := *h
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TerminalID < result[j].TerminalID })
	return result
}

// Health returns the latest snapshot for one terminal, if any.
func (m *Manager) Health(id string) (*Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[id]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// FindBestTerminal picks the best enabled terminal at a location: candidates
// of preferredType when any exist, otherwise all candidates, ordered by
// (healthy desc, lastHeartbeat desc). Returns nil when none qualify.
func (m *Manager) FindBestTerminal(locationID string, preferredType Type) *Terminal {
	candidates := m.List(locationID)

	enabled := candidates[:0]
	for _, t := range candidates {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	if preferredType != "" {
		var preferred []*Terminal
		for _, t := range enabled {
			if t.Type == preferredType {
				preferred = append(preferred, t)
			}
		}
		if len(preferred) > 0 {
			enabled = preferred
		}
	}

	m.mu.RLock()
	snapshot := func(id string) (healthy bool, heartbeat time.Time) {
		if h, ok := m.health[id]; ok {
			return h.Healthy, h.LastHeartbeat
		}
		return false, time.Time{}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		hi, bi := snapshot(enabled[i].ID)
		hj, bj := snapshot(enabled[j].ID)
		if hi != hj {
			return hi
		}
		return bi.After(bj)
	})
	m.mu.RUnlock()

	return enabled[0]
}

// breaker returns the circuit breaker for one terminal, creating it lazily.
func (m *Manager) breaker(id string) *circuitbreaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[id]
	if !ok {
		b = circuitbreaker.New("terminal:"+id, m.breakerCfg, m.logger)
		m.breakers[id] = b
	}
	return b
}

// ProcessTransaction runs a payment on a terminal through its circuit
// breaker. Transport failures count against the breaker; a decline is a
// successful round-trip and does not.
func (m *Manager) ProcessTransaction(ctx context.Context, id string, req pax.TransactionRequest) (*pax.TransactionResult, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Type != TypePAX {
		return nil, fmt.Errorf("terminal: %s is not a PAX terminal", id)
	}

	ctx, span := traces.StartSpan(ctx, "terminal.ProcessTransaction",
		traces.TerminalID(id),
		traces.AmountCents(req.AmountCents),
		traces.LocationID(t.LocationID),
	)
	defer span.End()

	var result *pax.TransactionResult
	err = m.breaker(id).Execute(ctx, func(ctx context.Context) error {
		var txErr error
		result, txErr = m.agent.ProcessTransaction(ctx, id, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if h, ok := m.health[id]; ok {
		h.LastHeartbeat = m.now()
	}
	m.mu.Unlock()
	return result, nil
}

// CancelTransaction aborts the in-flight transaction on a terminal.
func (m *Manager) CancelTransaction(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.Type != TypePAX {
		return fmt.Errorf("terminal: %s is not a PAX terminal", id)
	}
	return m.agent.CancelTransaction(ctx, id)
}

// BreakerStats exposes per-terminal breaker snapshots for dashboards.
func (m *Manager) BreakerStats() []circuitbreaker.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]circuitbreaker.Stats, 0, len(m.breakers))
	for _, b := range m.breakers {
		result = append(result, b.Stats())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
