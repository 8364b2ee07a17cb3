// Package queue implements the durable offline-operation queue. Operations
// enqueued while the card network is unreachable are drained by the
// Processor once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrOperationNotFound = errors.New("queue: operation not found")
	ErrUnknownType       = errors.New("queue: no handler registered for operation type")
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type names the kind of work a queued operation carries.
type Type string

const (
	TypePaymentCapture Type = "payment_capture"
	TypePaymentSync    Type = "payment_sync"
	TypeAuditSync      Type = "audit_sync"
)

// Operation is one unit of deferred work. Payload is a JSON document whose
// shape depends on Type; handlers unmarshal it themselves.
type Operation struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Priority    int             `json:"priority"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// CapturePayload is the payload for TypePaymentCapture operations: capture
// an offline-authorized card payment against the card network.
type CapturePayload struct {
	PaymentID   string `json:"paymentId"`
	AmountCents int64  `json:"amountCents"`
	LocationID  string `json:"locationId"`
}

// DecodeCapturePayload unmarshals a TypePaymentCapture payload.
func DecodeCapturePayload(raw json.RawMessage) (*CapturePayload, error) {
	var p CapturePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.PaymentID == "" {
		return nil, errors.New("queue: capture payload missing paymentId")
	}
	return &p, nil
}

// SyncPayload is the payload for TypePaymentSync and TypeAuditSync: push a
// locally recorded record to the upstream system of record.
type SyncPayload struct {
	RecordID   string `json:"recordId"`
	LocationID string `json:"locationId"`
}

// Metrics is an aggregate snapshot of the queue, suitable for dashboards.
// TotalProcessed and SuccessRate are derived from the terminal statuses.
type Metrics struct {
	Pending        int     `json:"pending"`
	Processing     int     `json:"processing"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	TotalProcessed int     `json:"totalProcessed"`
	SuccessRate    float64 `json:"successRate"`
}

// finalize fills the derived fields.
func (m *Metrics) finalize() {
	m.TotalProcessed = m.Completed + m.Failed
	if m.TotalProcessed > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.TotalProcessed)
	}
}

// Store persists queued operations.
//
// ListPending returns operations eligible for processing, highest priority
// first and oldest first within a priority. Ordering is advisory: the
// processor runs a batch concurrently, so strict FIFO across a batch is not
// guaranteed.
type Store interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	Update(ctx context.Context, op *Operation) error
	ListPending(ctx context.Context, limit int) ([]*Operation, error)
	Metrics(ctx context.Context) (*Metrics, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
