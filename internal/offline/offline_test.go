package offline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/queue"
)

func testConfig() Config {
	return Config{
		Enabled:             true,
		MaxTransactionCents: 50000,  // $500
		MaxDailyTotalCents:  500000, // $5000
		AllowedMethods:      []string{MethodCash, MethodCard},
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *audit.MemoryStore) {
	t.Helper()
	audits := audit.NewMemoryStore()
	return NewService(cfg, audits, slog.Default()), audits
}

func cardRequest(paymentID string, amountCents int64) AuthRequest {
	return AuthRequest{
		PaymentID:   paymentID,
		AmountCents: amountCents,
		Method:      MethodCard,
		LocationID:  "loc_1",
	}
}

func TestCanProcessOffline_Policy(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled fails closed", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		s, _ := newTestService(t, cfg)

		d, err := s.CanProcessOffline(ctx, 100, MethodCash, "loc_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "disabled")
	})

	t.Run("disallowed method", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedMethods = []string{MethodCash}
		s, _ := newTestService(t, cfg)

		d, err := s.CanProcessOffline(ctx, 100, MethodCard, "loc_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "not allowed")
	})

	t.Run("cash bypasses amount limits", func(t *testing.T) {
		s, _ := newTestService(t, testConfig())

		d, err := s.CanProcessOffline(ctx, 99999999, MethodCash, "loc_1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("card transaction limit", func(t *testing.T) {
		s, _ := newTestService(t, testConfig())

		d, err := s.CanProcessOffline(ctx, 50001, MethodCard, "loc_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "transaction limit")

		d, err = s.CanProcessOffline(ctx, 50000, MethodCard, "loc_1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		s, _ := newTestService(t, testConfig())

		d, err := s.CanProcessOffline(ctx, 0, MethodCard, "loc_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})
}

func TestAuthorizeOffline_DailyCap(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()

	// Fill today to $4800 across several card payments.
	for i, cents := range []int64{20000, 20000, 8000} {
		res, err := s.AuthorizeOffline(ctx, cardRequest(string(rune('a'+i)), cents))
		require.NoError(t, err)
		require.Equal(t, StatusOfflinePending, res.Status)
	}

	// $300 more would exceed the $5000 daily cap.
	res, err := s.AuthorizeOffline(ctx, cardRequest("pay_over", 30000))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "daily limit")

	// $200 still fits.
	res, err = s.AuthorizeOffline(ctx, cardRequest("pay_ok", 20000))
	require.NoError(t, err)
	assert.Equal(t, StatusOfflinePending, res.Status)
	assert.True(t, res.RequiresOnlineCapture)
}

func TestAuthorizeOffline_DailyCapResetsAtMidnight(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()

	yesterday := time.Now().Add(-24 * time.Hour)
	s.now = func() time.Time { return yesterday }
	res, err := s.AuthorizeOffline(ctx, cardRequest("pay_yday", 50000))
	require.NoError(t, err)
	require.Equal(t, StatusOfflinePending, res.Status)

	// Yesterday's spend does not count against today's cap.
	s.now = time.Now
	for i := 0; i < 10; i++ {
		res, err := s.AuthorizeOffline(ctx, cardRequest(string(rune('a'+i)), 50000))
		require.NoError(t, err)
		require.Equal(t, StatusOfflinePending, res.Status, "payment %d", i)
	}
}

func TestAuthorizeOffline_CashCapturesImmediately(t *testing.T) {
	s, audits := newTestService(t, testConfig())
	ctx := context.Background()

	res, err := s.AuthorizeOffline(ctx, AuthRequest{
		PaymentID: "pay_cash", AmountCents: 1500, Method: MethodCash, LocationID: "loc_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.False(t, res.RequiresOnlineCapture)

	entry, err := audits.GetByAggregate(ctx, audit.EventOfflinePayment, "pay_cash")
	require.NoError(t, err)
	assert.True(t, entry.Processed)
	assert.Equal(t, int64(1500), entry.AmountCents)
}

func TestAuthorizeOffline_ManagerApproval(t *testing.T) {
	cfg := testConfig()
	cfg.RequireManagerApproval = true
	s, _ := newTestService(t, cfg)
	ctx := context.Background()

	res, err := s.AuthorizeOffline(ctx, cardRequest("pay_1", 1000))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "manager approval")

	req := cardRequest("pay_2", 1000)
	req.ManagerApproved = true
	res, err = s.AuthorizeOffline(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusOfflinePending, res.Status)
}

type fakeCapturer struct {
	err   error
	calls int
}

func (f *fakeCapturer) Capture(context.Context, string, int64) error {
	f.calls++
	return f.err
}

func TestCaptureOfflinePayment(t *testing.T) {
	s, audits := newTestService(t, testConfig())
	ctx := context.Background()
	online := func() bool { return true }

	res, err := s.AuthorizeOffline(ctx, cardRequest("pay_1", 2500))
	require.NoError(t, err)
	require.Equal(t, StatusOfflinePending, res.Status)

	capturer := &fakeCapturer{}
	require.NoError(t, s.CaptureOfflinePayment(ctx, "pay_1", capturer, online))
	assert.Equal(t, 1, capturer.calls)

	entry, err := audits.GetByAggregate(ctx, audit.EventOfflinePayment, "pay_1")
	require.NoError(t, err)
	assert.True(t, entry.Processed)

	// Idempotent: second capture is rejected.
	err = s.CaptureOfflinePayment(ctx, "pay_1", capturer, online)
	assert.ErrorIs(t, err, ErrAlreadyCaptured)
	assert.Equal(t, 1, capturer.calls)
}

func TestCaptureOfflinePayment_Errors(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()
	capturer := &fakeCapturer{}

	err := s.CaptureOfflinePayment(ctx, "pay_1", capturer, func() bool { return false })
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Zero(t, capturer.calls)

	err = s.CaptureOfflinePayment(ctx, "pay_ghost", capturer, func() bool { return true })
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestGetPendingOfflinePayments(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := s.AuthorizeOffline(ctx, cardRequest("pay_card", 2500))
	require.NoError(t, err)
	_, err = s.AuthorizeOffline(ctx, AuthRequest{
		PaymentID: "pay_cash", AmountCents: 1000, Method: MethodCash, LocationID: "loc_1",
	})
	require.NoError(t, err)

	pending, err := s.GetPendingOfflinePayments(ctx, "loc_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pay_card", pending[0].PaymentID)
	assert.Equal(t, int64(2500), pending[0].AmountCents)

	require.NoError(t, s.CaptureOfflinePayment(ctx, "pay_card", &fakeCapturer{}, nil))
	pending, err = s.GetPendingOfflinePayments(ctx, "loc_1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetStatistics(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := s.AuthorizeOffline(ctx, cardRequest("pay_1", 2500))
	require.NoError(t, err)
	_, err = s.AuthorizeOffline(ctx, AuthRequest{
		PaymentID: "pay_2", AmountCents: 1000, Method: MethodCash, LocationID: "loc_1",
	})
	require.NoError(t, err)

	stats, err := s.GetStatistics(ctx, "loc_1", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, int64(3500), stats.TotalCents)
	assert.Equal(t, 1, stats.PendingCaptures)
}

func TestReconciler_EnqueuesPendingCaptures(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	ctx := context.Background()

	store := queue.NewMemoryStore()
	processor := queue.NewProcessor(store, time.Minute, slog.Default())
	captured := 0
	processor.RegisterHandler(queue.TypePaymentCapture, func(context.Context, *queue.Operation) error {
		captured++
		return errors.New("still offline") // keep it pending so dedupe is observable
	})

	online := true
	r := NewReconciler(s, processor, func() bool { return online }, time.Minute, slog.Default())

	_, err := s.AuthorizeOffline(ctx, cardRequest("pay_1", 2500))
	require.NoError(t, err)

	// Offline: nothing enqueued.
	online = false
	r.ReconcileNow(ctx)
	m, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Pending+m.Processing+m.Completed+m.Failed)

	// Online: the capture is enqueued and processed once.
	online = true
	r.ReconcileNow(ctx)
	assert.Equal(t, 1, captured)

	// A second sweep does not duplicate the in-flight capture.
	r.ReconcileNow(ctx)
	m, err = store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending+m.Processing+m.Completed+m.Failed)
}
