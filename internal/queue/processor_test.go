package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) (*Processor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	p := NewProcessor(store, time.Minute, slog.Default())
	return p, store
}

func TestEnqueue(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	op, err := p.Enqueue(ctx, TypePaymentCapture, CapturePayload{
		PaymentID:   "pay_1",
		AmountCents: 2500,
		LocationID:  "loc_1",
	}, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, defaultMaxAttempts, op.MaxAttempts)

	stored, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	var payload CapturePayload
	require.NoError(t, json.Unmarshal(stored.Payload, &payload))
	assert.Equal(t, "pay_1", payload.PaymentID)
	assert.Equal(t, int64(2500), payload.AmountCents)
}

func TestProcessNow_CompletesOperations(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	var mu sync.Mutex
	var handled []string
	p.RegisterHandler(TypePaymentCapture, func(_ context.Context, op *Operation) error {
		var payload CapturePayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		handled = append(handled, payload.PaymentID)
		mu.Unlock()
		return nil
	})

	op, err := p.Enqueue(ctx, TypePaymentCapture, CapturePayload{PaymentID: "pay_1"}, 0)
	require.NoError(t, err)

	p.ProcessNow(ctx)

	assert.Equal(t, []string{"pay_1"}, handled)
	stored, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.CompletedAt)
}

func TestProcessNow_RetriesUntilMaxAttempts(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	p.RegisterHandler(TypePaymentCapture, func(context.Context, *Operation) error {
		return errors.New("card network unreachable")
	})

	op, err := p.Enqueue(ctx, TypePaymentCapture, CapturePayload{PaymentID: "pay_1"}, 0)
	require.NoError(t, err)
	op.MaxAttempts = 3
	require.NoError(t, store.Update(ctx, op))

	for i := 1; i <= 2; i++ {
		p.ProcessNow(ctx)
		stored, err := store.Get(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status, "attempt %d should leave it pending", i)
		assert.Equal(t, i, stored.Attempts)
		assert.Contains(t, stored.Error, "unreachable")
	}

	// Third attempt is the last one allowed.
	p.ProcessNow(ctx)
	stored, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	// Failed operations are excluded from further sweeps.
	p.ProcessNow(ctx)
	stored, err = store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
}

func TestProcessNow_UnregisteredTypeFails(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	op, err := p.Enqueue(ctx, Type("mystery"), map[string]string{"k": "v"}, 0)
	require.NoError(t, err)

	p.ProcessNow(ctx)

	stored, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "no handler registered")
}

func TestProcessNow_PriorityOrdering(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	// One slot per sweep makes the drain order observable.
	var mu sync.Mutex
	var order []string
	p.RegisterHandler(TypePaymentSync, func(_ context.Context, op *Operation) error {
		var payload SyncPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, payload.RecordID)
		mu.Unlock()
		return nil
	})

	base := time.Now()
	clock := base
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	_, err := p.Enqueue(ctx, TypePaymentSync, SyncPayload{RecordID: "low_old"}, 0)
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, TypePaymentSync, SyncPayload{RecordID: "low_new"}, 0)
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, TypePaymentSync, SyncPayload{RecordID: "high"}, 5)
	require.NoError(t, err)

	pending, err := p.store.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	p.ProcessNow(ctx)
	assert.ElementsMatch(t, []string{"low_old", "low_new", "high"}, order)

	// The store itself orders by priority, then age.
	ids := make([]string, 0, 3)
	for _, op := range pending {
		var payload SyncPayload
		require.NoError(t, json.Unmarshal(op.Payload, &payload))
		ids = append(ids, payload.RecordID)
	}
	assert.Equal(t, []string{"high", "low_old", "low_new"}, ids)
}

func TestGate_HoldsSweep(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	p.RegisterHandler(TypePaymentCapture, func(context.Context, *Operation) error {
		return nil
	})
	online := false
	p.Gate(func() bool { return online })

	op, err := p.Enqueue(ctx, TypePaymentCapture, CapturePayload{PaymentID: "pay_1"}, 0)
	require.NoError(t, err)

	p.ProcessNow(ctx)
	stored, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	online = true
	p.ProcessNow(ctx)
	stored, err = store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestCleanup(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, &Operation{
		ID: "op_old", Type: TypePaymentCapture, Status: StatusCompleted, CompletedAt: &old,
	}))
	require.NoError(t, store.Create(ctx, &Operation{
		ID: "op_recent", Type: TypePaymentCapture, Status: StatusCompleted, CompletedAt: &recent,
	}))
	require.NoError(t, store.Create(ctx, &Operation{
		ID: "op_pending", Type: TypePaymentCapture, Status: StatusPending,
	}))

	deleted, err := p.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "op_old")
	assert.ErrorIs(t, err, ErrOperationNotFound)
	_, err = store.Get(ctx, "op_recent")
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Create(ctx, &Operation{ID: "a", Status: StatusPending}))
	require.NoError(t, store.Create(ctx, &Operation{ID: "b", Status: StatusPending}))
	require.NoError(t, store.Create(ctx, &Operation{ID: "c", Status: StatusCompleted, CompletedAt: &now}))
	require.NoError(t, store.Create(ctx, &Operation{ID: "d", Status: StatusFailed}))

	m, err := p.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Pending)
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 0, m.Processing)
	assert.Equal(t, 2, m.TotalProcessed)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
}
