// Package offline implements store-and-forward payment authorization for
// when the card network is unreachable. Cash is captured locally; card
// payments are authorized against configured limits and queued for online
// capture once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/idgen"
	"github.com/mercury-pos/mercury/internal/syncutil"
)

// Payment statuses produced by offline authorization.
const (
	StatusCaptured       = "captured"
	StatusOfflinePending = "offline_pending"
	StatusFailed         = "failed"
)

// Payment methods eligible for offline processing.
const (
	MethodCash = "cash"
	MethodCard = "card"
)

// ErrPaymentNotFound is returned when no offline authorization exists for
// a payment ID.
var ErrPaymentNotFound = errors.New("offline: payment not found")

// Config holds the offline authorization policy. Amounts are cents.
type Config struct {
	Enabled                bool
	MaxTransactionCents    int64
	MaxDailyTotalCents     int64
	RequireManagerApproval bool
	AllowedMethods         []string
}

// Decision is the outcome of an offline eligibility check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// AuthRequest asks for an offline authorization.
type AuthRequest struct {
	PaymentID       string `json:"paymentId"`
	AmountCents     int64  `json:"amountCents"`
	Method          string `json:"method"`
	LocationID      string `json:"locationId"`
	ManagerApproved bool   `json:"managerApproved"`
}

// Result is a completed offline authorization attempt. A declined request
// is a failed Result, not an error.
type Result struct {
	PaymentID             string    `json:"paymentId"`
	Status                string    `json:"status"`
	Processor             string    `json:"processor"`
	Method                string    `json:"method"`
	AmountCents           int64     `json:"amountCents"`
	LocationID            string    `json:"locationId"`
	RequiresOnlineCapture bool      `json:"requiresOnlineCapture"`
	Reason                string    `json:"reason,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// authPayload is what gets persisted alongside the audit entry.
type authPayload struct {
	Method                string `json:"method"`
	Status                string `json:"status"`
	RequiresOnlineCapture bool   `json:"requiresOnlineCapture"`
	ManagerApproved       bool   `json:"managerApproved,omitempty"`
}

// Service enforces the offline policy and records authorizations in the
// audit log. The daily spending cap is computed from audit entries, so the
// check-then-record sequence is serialized per location.
type Service struct {
	cfg    Config
	audits audit.Store
	locks  syncutil.ShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an offline authorization service.
func NewService(cfg Config, audits audit.Store, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		audits: audits,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether offline payments are switched on.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// CanProcessOffline checks whether a payment could be authorized offline
// right now. Advisory only: AuthorizeOffline re-checks under the location
// lock before recording.
func (s *Service) CanProcessOffline(ctx context.Context, amountCents int64, method, locationID string) (*Decision, error) {
	unlock := s.locks.Lock(locationID)
	defer unlock()
	return s.check(ctx, amountCents, method, locationID)
}

// check evaluates the policy. Callers must hold the location lock.
func (s *Service) check(ctx context.Context, amountCents int64, method, locationID string) (*Decision, error) {
	if !s.cfg.Enabled {
		return &Decision{Reason: "offline payments are disabled"}, nil
	}
	if amountCents <= 0 {
		return &Decision{Reason: "amount must be positive"}, nil
	}
	if !slices.Contains(s.cfg.AllowedMethods, method) {
		return &Decision{Reason: fmt.Sprintf("payment method %q is not allowed offline", method)}, nil
	}

	// Cash is physical tender; limits only apply to deferred card capture.
	if method == MethodCash {
		return &Decision{Allowed: true}, nil
	}

	if amountCents > s.cfg.MaxTransactionCents {
		return &Decision{Reason: fmt.Sprintf(
			"amount %d exceeds offline transaction limit %d",
			amountCents, s.cfg.MaxTransactionCents)}, nil
	}

	total, err := s.audits.SumAmountsSince(ctx, audit.EventOfflinePayment, locationID, s.midnight())
	if err != nil {
		return nil, fmt.Errorf("offline: daily total: %w", err)
	}
	if total+amountCents > s.cfg.MaxDailyTotalCents {
		return &Decision{Reason: fmt.Sprintf(
			"amount %d would exceed offline daily limit %d (today: %d)",
			amountCents, s.cfg.MaxDailyTotalCents, total)}, nil
	}

	return &Decision{Allowed: true}, nil
}

// AuthorizeOffline authorizes a payment offline. Cash is captured
// immediately; card is recorded as offline_pending and must be captured
// online later. A policy decline returns a failed Result with the reason
// and a nil error.
func (s *Service) AuthorizeOffline(ctx context.Context, req AuthRequest) (*Result, error) {
	unlock := s.locks.Lock(req.LocationID)
	defer unlock()

	now := s.now()
	result := &Result{
		PaymentID:   req.PaymentID,
		Processor:   "offline",
		Method:      req.Method,
		AmountCents: req.AmountCents,
		LocationID:  req.LocationID,
		CreatedAt:   now,
	}

	decision, err := s.check(ctx, req.AmountCents, req.Method, req.LocationID)
	if err != nil {
		return nil, err
	}
	if decision.Allowed && s.cfg.RequireManagerApproval && !req.ManagerApproved {
		decision = &Decision{Reason: "manager approval required for offline payments"}
	}
	if !decision.Allowed {
		result.Status = StatusFailed
		result.Reason = decision.Reason
		authorizationsTotal.WithLabelValues(req.Method, "declined").Inc()
		s.logger.Warn("offline authorization declined",
			"paymentId", req.PaymentID, "method", req.Method,
			"amountCents", req.AmountCents, "reason", decision.Reason)
		return result, nil
	}

	if req.Method == MethodCard {
		result.Status = StatusOfflinePending
		result.RequiresOnlineCapture = true
	} else {
		result.Status = StatusCaptured
	}

	payload, _ := json.Marshal(authPayload{
		Method:                req.Method,
		Status:                result.Status,
		RequiresOnlineCapture: result.RequiresOnlineCapture,
		ManagerApproved:       req.ManagerApproved,
	})
	entry := &audit.Entry{
		ID:          idgen.WithPrefix("aud_"),
		EventType:   audit.EventOfflinePayment,
		AggregateID: req.PaymentID,
		LocationID:  req.LocationID,
		AmountCents: req.AmountCents,
		Payload:     payload,
		Processed:   !result.RequiresOnlineCapture,
		CreatedAt:   now,
	}
	if !result.RequiresOnlineCapture {
		entry.ProcessedAt = &now
	}
	if err := s.audits.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("offline: record authorization: %w", err)
	}

	authorizationsTotal.WithLabelValues(req.Method, "authorized").Inc()
	if result.RequiresOnlineCapture {
		pendingCaptures.Inc()
	}
	s.logger.Info("offline payment authorized",
		"paymentId", req.PaymentID, "method", req.Method,
		"amountCents", req.AmountCents, "status", result.Status,
		"locationId", req.LocationID)
	return result, nil
}

// PendingPayment is an offline-authorized card payment awaiting capture.
type PendingPayment struct {
	PaymentID   string    `json:"paymentId"`
	AmountCents int64     `json:"amountCents"`
	LocationID  string    `json:"locationId"`
	Method      string    `json:"method"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GetPendingOfflinePayments lists offline authorizations still awaiting
// online capture, oldest first. Empty locationID means all locations.
func (s *Service) GetPendingOfflinePayments(ctx context.Context, locationID string) ([]*PendingPayment, error) {
	unprocessed := false
	entries, err := s.audits.List(ctx, audit.Filter{
		EventType:  audit.EventOfflinePayment,
		LocationID: locationID,
		Processed:  &unprocessed,
	})
	if err != nil {
		return nil, fmt.Errorf("offline: list pending: %w", err)
	}

	var result []*PendingPayment
	for _, e := range entries {
		var p authPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || !p.RequiresOnlineCapture {
			continue
		}
		result = append(result, &PendingPayment{
			PaymentID:   e.AggregateID,
			AmountCents: e.AmountCents,
			LocationID:  e.LocationID,
			Method:      p.Method,
			CreatedAt:   e.CreatedAt,
		})
	}
	return result, nil
}

// Statistics summarizes offline activity over a trailing window.
type Statistics struct {
	LocationID      string `json:"locationId,omitempty"`
	Days            int    `json:"days"`
	Count           int    `json:"count"`
	TotalCents      int64  `json:"totalCents"`
	PendingCaptures int    `json:"pendingCaptures"`
}

// GetStatistics aggregates offline authorizations over the last N days.
func (s *Service) GetStatistics(ctx context.Context, locationID string, days int) (*Statistics, error) {
	if days <= 0 {
		days = 1
	}
	since := s.now().AddDate(0, 0, -days)

	entries, err := s.audits.List(ctx, audit.Filter{
		EventType:  audit.EventOfflinePayment,
		LocationID: locationID,
		Since:      since,
	})
	if err != nil {
		return nil, fmt.Errorf("offline: statistics: %w", err)
	}

	stats := &Statistics{LocationID: locationID, Days: days}
	for _, e := range entries {
		stats.Count++
		stats.TotalCents += e.AmountCents
		if !e.Processed {
			stats.PendingCaptures++
		}
	}
	return stats, nil
}

// midnight returns the start of today in local time. The daily cap resets
// on the store's calendar day, not a rolling 24h window.
func (s *Service) midnight() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
