// Package cardnetwork is the online payment processor integration. The
// router sends card payments here when connectivity allows; the offline
// queue uses it to settle deferred captures.
package cardnetwork

import (
	"context"
	"errors"
)

// Charge statuses.
const (
	StatusAuthorized = "authorized"
	StatusCaptured   = "captured"
	StatusFailed     = "failed"
)

// ErrNotConfigured is returned when no processor credentials are set.
var ErrNotConfigured = errors.New("cardnetwork: no API key configured")

// AuthRequest asks the card network for an authorization. When Capture is
// set the charge settles immediately; otherwise it is held for a later
// CaptureIntent call.
type AuthRequest struct {
	PaymentID     string `json:"paymentId"` // idempotency key
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"` // default "usd"
	PaymentMethod string `json:"paymentMethod,omitempty"`
	Capture       bool   `json:"capture"`
	Description   string `json:"description,omitempty"`
}

// Charge is the card network's answer. A decline is a failed Charge with
// DeclineReason set and a nil error; errors mean the network itself failed.
type Charge struct {
	ProcessorID   string `json:"processorId"`
	Status        string `json:"status"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	DeclineReason string `json:"declineReason,omitempty"`
}

// Client talks to the online card processor.
type Client interface {
	// Authorize runs a new charge. Declines come back as failed Charges.
	Authorize(ctx context.Context, req AuthRequest) (*Charge, error)
	// CaptureIntent settles a previously authorized charge.
	CaptureIntent(ctx context.Context, processorID string) (*Charge, error)
	// Capture settles an offline-authorized payment that never reached the
	// network. Idempotent on paymentID.
	Capture(ctx context.Context, paymentID string, amountCents int64) error
	// Void cancels an authorized, uncaptured charge.
	Void(ctx context.Context, processorID string) error
	// Refund returns money on a captured charge.
	Refund(ctx context.Context, processorID string, amountCents int64) error
	// Ping verifies the processor is reachable.
	Ping(ctx context.Context) error
}
