package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/retry"
)

// Capture errors.
var (
	ErrAlreadyCaptured    = errors.New("offline: payment already captured")
	ErrNetworkUnavailable = errors.New("offline: card network unavailable")
	ErrNotCapturable      = errors.New("offline: payment does not require online capture")
)

// Capturer settles an offline-authorized payment against the card network.
// Implemented by the card network client.
type Capturer interface {
	Capture(ctx context.Context, paymentID string, amountCents int64) error
}

// Available reports whether the card network can currently be reached.
// Implemented by the network monitor.
type Available func() bool

// CaptureOfflinePayment settles one pending offline card payment. The call
// is idempotent: a payment already captured returns ErrAlreadyCaptured.
func (s *Service) CaptureOfflinePayment(ctx context.Context, paymentID string, capturer Capturer, available Available) error {
	if available != nil && !available() {
		return ErrNetworkUnavailable
	}

	entry, err := s.audits.GetByAggregate(ctx, audit.EventOfflinePayment, paymentID)
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("offline: lookup payment: %w", err)
	}
	if entry.Processed {
		return ErrAlreadyCaptured
	}

	var p authPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil || !p.RequiresOnlineCapture {
		return ErrNotCapturable
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return capturer.Capture(ctx, paymentID, entry.AmountCents)
	})
	if err != nil {
		capturesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("offline: capture %s: %w", paymentID, err)
	}

	if err := s.audits.MarkProcessed(ctx, entry.ID, s.now()); err != nil {
		return fmt.Errorf("offline: mark captured: %w", err)
	}

	capturesTotal.WithLabelValues("completed").Inc()
	pendingCaptures.Dec()
	s.logger.Info("offline payment captured",
		"paymentId", paymentID, "amountCents", entry.AmountCents,
		"locationId", entry.LocationID)
	return nil
}
