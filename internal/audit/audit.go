// Package audit provides an append-only event log for payment activity.
// Offline authorizations and terminal transaction attempts are recorded
// here; the offline daily spending cap is computed from these entries.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types recorded in the log.
const (
	EventOfflinePayment = "payment.offline"
	EventPAXTransaction = "payment.pax_transaction"
)

// ErrEntryNotFound is returned when an audit entry does not exist.
var ErrEntryNotFound = errors.New("audit: entry not found")

// Entry is one immutable audit record. AmountCents is denormalized out of
// the payload so daily-total queries can sum without JSON parsing.
type Entry struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"` // payment ID or terminal reference
	LocationID  string          `json:"locationId"`
	AmountCents int64           `json:"amountCents"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	EventType  string
	LocationID string
	Since      time.Time
	Until      time.Time
	Processed  *bool
	Limit      int
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// GetByAggregate returns the newest entry for an event type + aggregate ID.
	GetByAggregate(ctx context.Context, eventType, aggregateID string) (*Entry, error)
	List(ctx context.Context, f Filter) ([]*Entry, error)
	// SumAmountsSince totals AmountCents of entries for an event type at a
	// location created at or after since.
	SumAmountsSince(ctx context.Context, eventType, locationID string, since time.Time) (int64, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}
