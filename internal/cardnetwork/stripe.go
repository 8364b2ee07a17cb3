package cardnetwork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient implements Client over the Stripe API. Payment IDs double as
// idempotency keys so a retried capture never double-charges.
type StripeClient struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeClient creates a Stripe-backed card network client.
func NewStripeClient(apiKey string, logger *slog.Logger) (*StripeClient, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api, logger: logger}, nil
}

func (c *StripeClient) Authorize(ctx context.Context, req AuthRequest) (*Charge, error) {
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(currency),
		Confirm:  stripe.Bool(true),
	}
	if !req.Capture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		if charge, ok := declineFrom(err, req.AmountCents, currency); ok {
			c.logger.Warn("card declined",
				"paymentId", req.PaymentID, "reason", charge.DeclineReason)
			return charge, nil
		}
		return nil, fmt.Errorf("cardnetwork: authorize: %w", err)
	}

	charge := chargeFrom(pi)
	c.logger.Info("card network charge",
		"paymentId", req.PaymentID, "processorId", charge.ProcessorID,
		"status", charge.Status, "amountCents", req.AmountCents)
	return charge, nil
}

func (c *StripeClient) CaptureIntent(ctx context.Context, processorID string) (*Charge, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Capture(processorID, params)
	if err != nil {
		return nil, fmt.Errorf("cardnetwork: capture %s: %w", processorID, err)
	}
	return chargeFrom(pi), nil
}

func (c *StripeClient) Capture(ctx context.Context, paymentID string, amountCents int64) error {
	// An offline payment never reached Stripe, so capture means creating
	// and settling a fresh intent. The payment ID keys idempotency.
	charge, err := c.Authorize(ctx, AuthRequest{
		PaymentID:   paymentID,
		AmountCents: amountCents,
		Capture:     true,
		Description: "offline payment capture",
	})
	if err != nil {
		return err
	}
	if charge.Status != StatusCaptured {
		return fmt.Errorf("cardnetwork: capture %s declined: %s", paymentID, charge.DeclineReason)
	}
	return nil
}

func (c *StripeClient) Void(ctx context.Context, processorID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := c.api.PaymentIntents.Cancel(processorID, params); err != nil {
		return fmt.Errorf("cardnetwork: void %s: %w", processorID, err)
	}
	return nil
}

func (c *StripeClient) Refund(ctx context.Context, processorID string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(processorID),
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	params.Context = ctx

	if _, err := c.api.Refunds.New(params); err != nil {
		return fmt.Errorf("cardnetwork: refund %s: %w", processorID, err)
	}
	return nil
}

// Ping fetches the account balance, the cheapest authenticated round-trip
// Stripe offers.
func (c *StripeClient) Ping(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx

	if _, err := c.api.Balance.Get(params); err != nil {
		return fmt.Errorf("cardnetwork: ping: %w", err)
	}
	return nil
}

func chargeFrom(pi *stripe.PaymentIntent) *Charge {
	charge := &Charge{
		ProcessorID: pi.ID,
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		charge.Status = StatusAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		charge.Status = StatusCaptured
	default:
		charge.Status = StatusFailed
		if pi.LastPaymentError != nil {
			charge.DeclineReason = pi.LastPaymentError.Msg
		}
	}
	return charge
}

// declineFrom distinguishes a card decline from an infrastructure failure.
// Declines are results, not errors; only the latter should count against
// the card network's circuit breaker.
func declineFrom(err error, amountCents int64, currency string) (*Charge, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Type != stripe.ErrorTypeCard {
		return nil, false
	}
	charge := &Charge{
		Status:        StatusFailed,
		AmountCents:   amountCents,
		Currency:      currency,
		DeclineReason: stripeErr.Msg,
	}
	if stripeErr.PaymentIntent != nil {
		charge.ProcessorID = stripeErr.PaymentIntent.ID
	}
	return charge, true
}

// Compile-time assertion.
var _ Client = (*StripeClient)(nil)
