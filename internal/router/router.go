// Package router selects a payment processor for each request and drives
// the payment through it, falling back to offline authorization when the
// selected processor fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mercury-pos/mercury/internal/cardnetwork"
	"github.com/mercury-pos/mercury/internal/circuitbreaker"
	"github.com/mercury-pos/mercury/internal/idgen"
	"github.com/mercury-pos/mercury/internal/metrics"
	"github.com/mercury-pos/mercury/internal/offline"
	"github.com/mercury-pos/mercury/internal/pax"
	"github.com/mercury-pos/mercury/internal/terminal"
	"github.com/mercury-pos/mercury/internal/traces"
)

// Processor names.
const (
	ProcessorCardNetwork = "card_network"
	ProcessorTerminal    = "terminal"
	ProcessorOffline     = "offline"
)

// Payment methods accepted by the router.
const (
	MethodCash  = "cash"
	MethodCard  = "card"
	MethodSplit = "split"
)

// Routing errors.
var (
	ErrNoProcessor   = errors.New("router: no processor available")
	ErrInvalidMethod = errors.New("router: invalid payment method")
)

// Terminals is the slice of the terminal manager the router needs.
type Terminals interface {
	FindBestTerminal(locationID string, preferredType terminal.Type) *terminal.Terminal
	Get(id string) (*terminal.Terminal, error)
	Health(id string) (*terminal.Health, bool)
	ProcessTransaction(ctx context.Context, id string, req pax.TransactionRequest) (*pax.TransactionResult, error)
}

// Network reports card network reachability. Satisfied by *network.Monitor.
type Network interface {
	IsOnline() bool
	IsCardNetworkAvailable() bool
}

// PaymentRequest is one payment to route.
type PaymentRequest struct {
	AmountCents        int64  `json:"amountCents"`
	Method             string `json:"method"`
	LocationID         string `json:"locationId"`
	TerminalID         string `json:"terminalId,omitempty"`
	PreferredProcessor string `json:"preferredProcessor,omitempty"`
	PaymentMethodToken string `json:"paymentMethodToken,omitempty"`
	Description        string `json:"description,omitempty"`
	ManagerApproved    bool   `json:"managerApproved,omitempty"`
}

func (r PaymentRequest) validate() error {
	if r.AmountCents <= 0 {
		return errors.New("router: amount must be positive")
	}
	if r.LocationID == "" {
		return errors.New("router: locationId is required")
	}
	switch r.Method {
	case MethodCash, MethodCard, MethodSplit:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.Method)
	}
}

// PaymentResult is the outcome of a routed payment. Declines are failed
// results, not errors.
type PaymentResult struct {
	PaymentID             string    `json:"paymentId"`
	Processor             string    `json:"processor"`
	Status                string    `json:"status"`
	Method                string    `json:"method"`
	AmountCents           int64     `json:"amountCents"`
	LocationID            string    `json:"locationId"`
	ProcessorRef          string    `json:"processorRef,omitempty"` // intent ID or terminal reference
	AuthCode              string    `json:"authCode,omitempty"`
	CardType              string    `json:"cardType,omitempty"`
	Last4                 string    `json:"last4,omitempty"`
	RequiresOnlineCapture bool      `json:"requiresOnlineCapture,omitempty"`
	FellBack              bool      `json:"fellBack,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Payment statuses. Terminal and online sales settle as captured; offline
// card payments wait in offline_pending until captured online.
const (
	StatusAuthorized     = "authorized"
	StatusCaptured       = "captured"
	StatusFailed         = "failed"
	StatusOfflinePending = "offline_pending"
)

// Router picks a processor per payment and executes it. Card network calls
// run through a circuit breaker shared with the network monitor so repeated
// processor failures reroute traffic before timeouts pile up.
type Router struct {
	terminals   Terminals
	cards       cardnetwork.Client // nil when no processor is configured
	cardBreaker *circuitbreaker.Breaker
	offline     *offline.Service
	network     Network
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a payment router.
func New(terminals Terminals, cards cardnetwork.Client, cardBreaker *circuitbreaker.Breaker, offlineSvc *offline.Service, net Network, logger *slog.Logger) *Router {
	return &Router{
		terminals:   terminals,
		cards:       cards,
		cardBreaker: cardBreaker,
		offline:     offlineSvc,
		network:     net,
		logger:      logger,
		now:         time.Now,
	}
}

// SelectProcessor picks the processor a payment should go to, without
// executing anything.
//
// Order of preference:
//  1. The caller's preferred processor, when it is currently available.
//  2. Cash goes online when the network is up, offline otherwise.
//  3. Card goes to a healthy PAX terminal, then the card network, then offline.
//  4. Split tender needs the card network; offline is the only fallback.
func (r *Router) SelectProcessor(ctx context.Context, req PaymentRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	if req.PreferredProcessor != "" && r.available(ctx, req.PreferredProcessor, req) {
		return req.PreferredProcessor, nil
	}

	switch req.Method {
	case MethodCash:
		if r.network.IsOnline() {
			return ProcessorCardNetwork, nil
		}
	case MethodCard:
		if r.healthyTerminal(req) != nil {
			return ProcessorTerminal, nil
		}
		if r.cardNetworkUsable() {
			return ProcessorCardNetwork, nil
		}
	case MethodSplit:
		if r.cardNetworkUsable() {
			return ProcessorCardNetwork, nil
		}
	}

	if r.offline.Enabled() {
		return ProcessorOffline, nil
	}
	return "", fmt.Errorf("%w for %s payment at %s", ErrNoProcessor, req.Method, req.LocationID)
}

func (r *Router) cardNetworkUsable() bool {
	return r.cards != nil && r.network.IsCardNetworkAvailable()
}

func (r *Router) available(_ context.Context, processor string, req PaymentRequest) bool {
	switch processor {
	case ProcessorTerminal:
		return req.Method == MethodCard && r.healthyTerminal(req) != nil
	case ProcessorCardNetwork:
		if req.Method == MethodCash {
			return r.network.IsOnline()
		}
		return r.cardNetworkUsable()
	case ProcessorOffline:
		return r.offline.Enabled()
	default:
		return false
	}
}

// healthyTerminal resolves the PAX terminal a card payment would use, or
// nil when none qualifies.
func (r *Router) healthyTerminal(req PaymentRequest) *terminal.Terminal {
	if req.TerminalID != "" {
		t, err := r.terminals.Get(req.TerminalID)
		if err != nil || t.Type != terminal.TypePAX || !t.Enabled {
			return nil
		}
		if h, ok := r.terminals.Health(t.ID); !ok || !h.Healthy {
			return nil
		}
		return t
	}

	t := r.terminals.FindBestTerminal(req.LocationID, terminal.TypePAX)
	if t == nil || t.Type != terminal.TypePAX {
		return nil
	}
	if h, ok := r.terminals.Health(t.ID); !ok || !h.Healthy {
		return nil
	}
	return t
}

// RoutePayment selects a processor and runs the payment. When the selected
// processor errors and was not already offline, the payment falls back to
// offline authorization once; the fallback's outcome is final.
func (r *Router) RoutePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	paymentID := idgen.WithPrefix("pay_")
	ctx, span := traces.StartSpan(ctx, "router.RoutePayment",
		traces.PaymentID(paymentID),
		traces.AmountCents(req.AmountCents),
		traces.Method(req.Method),
		traces.LocationID(req.LocationID),
	)
	defer span.End()
	start := r.now()

	processor, err := r.SelectProcessor(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Processor(processor))

	result, err := r.dispatch(ctx, processor, paymentID, req)
	if err != nil && processor != ProcessorOffline && r.offline.Enabled() {
		r.logger.Warn("processor failed, falling back to offline",
			"paymentId", paymentID, "processor", processor, "error", err)
		metrics.PaymentFallbacksTotal.WithLabelValues(processor, ProcessorOffline).Inc()

		result, err = r.dispatch(ctx, ProcessorOffline, paymentID, req)
		if result != nil {
			result.FellBack = true
		}
	}
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(processor, "error").Inc()
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(result.Processor, result.Status).Inc()
	metrics.PaymentDuration.WithLabelValues(result.Processor).Observe(r.now().Sub(start).Seconds())
	r.logger.Info("payment routed",
		"paymentId", paymentID, "processor", result.Processor,
		"status", result.Status, "method", req.Method,
		"amountCents", req.AmountCents, "fellBack", result.FellBack)
	return result, nil
}

func (r *Router) dispatch(ctx context.Context, processor, paymentID string, req PaymentRequest) (*PaymentResult, error) {
	switch processor {
	case ProcessorTerminal:
		return r.processTerminal(ctx, paymentID, req)
	case ProcessorCardNetwork:
		return r.processCardNetwork(ctx, paymentID, req)
	case ProcessorOffline:
		return r.processOffline(ctx, paymentID, req)
	default:
		return nil, fmt.Errorf("router: unknown processor %q", processor)
	}
}

func (r *Router) result(paymentID, processor string, req PaymentRequest) *PaymentResult {
	return &PaymentResult{
		PaymentID:   paymentID,
		Processor:   processor,
		Method:      req.Method,
		AmountCents: req.AmountCents,
		LocationID:  req.LocationID,
		CreatedAt:   r.now(),
	}
}

func (r *Router) processTerminal(ctx context.Context, paymentID string, req PaymentRequest) (*PaymentResult, error) {
	t := r.healthyTerminal(req)
	if t == nil {
		return nil, fmt.Errorf("router: no healthy terminal at %s", req.LocationID)
	}

	txn, err := r.terminals.ProcessTransaction(ctx, t.ID, pax.TransactionRequest{
		Type:        pax.TxnSale,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		return nil, err
	}

	result := r.result(paymentID, ProcessorTerminal, req)
	result.ProcessorRef = txn.Reference
	result.AuthCode = txn.AuthCode
	result.CardType = txn.CardType
	result.Last4 = txn.Last4
	if txn.Success {
		result.Status = StatusCaptured
	} else {
		result.Status = StatusFailed
		result.Reason = txn.Message
	}
	return result, nil
}

func (r *Router) processCardNetwork(ctx context.Context, paymentID string, req PaymentRequest) (*PaymentResult, error) {
	result := r.result(paymentID, ProcessorCardNetwork, req)

	// Cash handled while online is captured on the spot; there is nothing
	// to clear with the processor.
	if req.Method == MethodCash {
		result.Status = StatusCaptured
		return result, nil
	}

	if r.cards == nil {
		return nil, cardnetwork.ErrNotConfigured
	}

	var charge *cardnetwork.Charge
	err := r.cardBreaker.Execute(ctx, func(ctx context.Context) error {
		var chErr error
		charge, chErr = r.cards.Authorize(ctx, cardnetwork.AuthRequest{
			PaymentID:     paymentID,
			AmountCents:   req.AmountCents,
			PaymentMethod: req.PaymentMethodToken,
			Capture:       true,
			Description:   req.Description,
		})
		return chErr
	})
	if err != nil {
		return nil, err
	}

	result.ProcessorRef = charge.ProcessorID
	result.Status = charge.Status
	result.Reason = charge.DeclineReason
	return result, nil
}

func (r *Router) processOffline(ctx context.Context, paymentID string, req PaymentRequest) (*PaymentResult, error) {
	auth, err := r.offline.AuthorizeOffline(ctx, offline.AuthRequest{
		PaymentID:       paymentID,
		AmountCents:     req.AmountCents,
		Method:          req.Method,
		LocationID:      req.LocationID,
		ManagerApproved: req.ManagerApproved,
	})
	if err != nil {
		return nil, err
	}

	result := r.result(paymentID, ProcessorOffline, req)
	result.Status = auth.Status
	result.Reason = auth.Reason
	result.RequiresOnlineCapture = auth.RequiresOnlineCapture
	return result, nil
}

// ProcessorStatus describes one processor's current availability.
type ProcessorStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// ProcessorHealth reports each processor's availability for a location.
func (r *Router) ProcessorHealth(locationID string) []ProcessorStatus {
	statuses := make([]ProcessorStatus, 0, 3)

	t := r.terminals.FindBestTerminal(locationID, terminal.TypePAX)
	terminalOK := false
	detail := "no terminals registered"
	if t != nil && t.Type == terminal.TypePAX {
		if h, ok := r.terminals.Health(t.ID); ok && h.Healthy {
			terminalOK = true
			detail = t.ID
		} else {
			detail = fmt.Sprintf("%s unhealthy", t.ID)
		}
	}
	statuses = append(statuses, ProcessorStatus{
		Name: ProcessorTerminal, Available: terminalOK, Detail: detail,
	})

	cardOK := r.cardNetworkUsable()
	cardDetail := ""
	switch {
	case r.cards == nil:
		cardDetail = "not configured"
	case !r.network.IsOnline():
		cardDetail = "network offline"
	case !r.network.IsCardNetworkAvailable():
		cardDetail = "circuit breaker open"
	}
	statuses = append(statuses, ProcessorStatus{
		Name: ProcessorCardNetwork, Available: cardOK, Detail: cardDetail,
	})

	offlineDetail := ""
	if !r.offline.Enabled() {
		offlineDetail = "disabled"
	}
	statuses = append(statuses, ProcessorStatus{
		Name: ProcessorOffline, Available: r.offline.Enabled(), Detail: offlineDetail,
	})
	return statuses
}

// AvailableProcessors lists the processors currently usable at a location.
func (r *Router) AvailableProcessors(locationID string) []string {
	var names []string
	for _, s := range r.ProcessorHealth(locationID) {
		if s.Available {
			names = append(names, s.Name)
		}
	}
	return names
}

// CapturePayment settles one offline-pending payment against the card
// network.
func (r *Router) CapturePayment(ctx context.Context, paymentID string) error {
	if r.cards == nil {
		return cardnetwork.ErrNotConfigured
	}
	return r.offline.CaptureOfflinePayment(ctx, paymentID, r.cards, r.network.IsCardNetworkAvailable)
}
