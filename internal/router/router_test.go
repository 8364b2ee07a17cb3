package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/cardnetwork"
	"github.com/mercury-pos/mercury/internal/circuitbreaker"
	"github.com/mercury-pos/mercury/internal/offline"
	"github.com/mercury-pos/mercury/internal/pax"
	"github.com/mercury-pos/mercury/internal/terminal"
)

type fakeTerminals struct {
	best    *terminal.Terminal
	health  map[string]*terminal.Health
	txn     *pax.TransactionResult
	txnErr  error
	txnReqs []pax.TransactionRequest
}

func (f *fakeTerminals) FindBestTerminal(string, terminal.Type) *terminal.Terminal {
	return f.best
}

func (f *fakeTerminals) Get(id string) (*terminal.Terminal, error) {
	if f.best != nil && f.best.ID == id {
		return f.best, nil
	}
	return nil, terminal.ErrTerminalNotFound
}

func (f *fakeTerminals) Health(id string) (*terminal.Health, bool) {
	h, ok := f.health[id]
	return h, ok
}

func (f *fakeTerminals) ProcessTransaction(_ context.Context, _ string, req pax.TransactionRequest) (*pax.TransactionResult, error) {
	f.txnReqs = append(f.txnReqs, req)
	if f.txnErr != nil {
		return nil, f.txnErr
	}
	return f.txn, nil
}

type fakeNetwork struct {
	online    bool
	cardAvail bool
}

func (f *fakeNetwork) IsOnline() bool               { return f.online }
func (f *fakeNetwork) IsCardNetworkAvailable() bool { return f.cardAvail }

type fakeCards struct {
	charge   *cardnetwork.Charge
	err      error
	captured []string
}

func (f *fakeCards) Authorize(_ context.Context, req cardnetwork.AuthRequest) (*cardnetwork.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	charge := *f.charge
	charge.AmountCents = req.AmountCents
	return &charge, nil
}

func (f *fakeCards) CaptureIntent(context.Context, string) (*cardnetwork.Charge, error) {
	return f.charge, f.err
}

func (f *fakeCards) Capture(_ context.Context, paymentID string, _ int64) error {
	if f.err != nil {
		return f.err
	}
	f.captured = append(f.captured, paymentID)
	return nil
}

func (f *fakeCards) Void(context.Context, string) error          { return f.err }
func (f *fakeCards) Refund(context.Context, string, int64) error { return f.err }
func (f *fakeCards) Ping(context.Context) error                  { return f.err }

type routerFixture struct {
	router    *Router
	terminals *fakeTerminals
	network   *fakeNetwork
	cards     *fakeCards
	offline   *offline.Service
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()

	terminals := &fakeTerminals{health: make(map[string]*terminal.Health)}
	net := &fakeNetwork{online: true, cardAvail: true}
	cards := &fakeCards{charge: &cardnetwork.Charge{
		ProcessorID: "pi_1", Status: cardnetwork.StatusCaptured, Currency: "usd",
	}}
	offlineSvc := offline.NewService(offline.Config{
		Enabled:             true,
		MaxTransactionCents: 50000,
		MaxDailyTotalCents:  500000,
		AllowedMethods:      []string{"cash", "card"},
	}, audit.NewMemoryStore(), slog.Default())

	breaker := circuitbreaker.New("card_network", circuitbreaker.Config{
		FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute,
	}, slog.Default())

	return &routerFixture{
		router:    New(terminals, cards, breaker, offlineSvc, net, slog.Default()),
		terminals: terminals,
		network:   net,
		cards:     cards,
		offline:   offlineSvc,
	}
}

func (f *routerFixture) withHealthyTerminal() {
	f.terminals.best = &terminal.Terminal{
		ID: "term_1", Type: terminal.TypePAX, LocationID: "loc_1", Enabled: true,
	}
	f.terminals.health["term_1"] = &terminal.Health{
		TerminalID: "term_1", Online: true, Healthy: true, LastHeartbeat: time.Now(),
	}
	f.terminals.txn = &pax.TransactionResult{
		Success: true, Code: "000000", AuthCode: "123456",
		Reference: "202608280930120042", CardType: "Visa", Last4: "4242",
	}
}

func cardPayment() PaymentRequest {
	return PaymentRequest{AmountCents: 2500, Method: MethodCard, LocationID: "loc_1"}
}

func TestSelectProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("cash online goes to card network", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.router.SelectProcessor(ctx, PaymentRequest{
			AmountCents: 500, Method: MethodCash, LocationID: "loc_1",
		})
		require.NoError(t, err)
		assert.Equal(t, ProcessorCardNetwork, p)
	})

	t.Run("cash offline goes offline", func(t *testing.T) {
		f := newFixture(t)
		f.network.online = false
		f.network.cardAvail = false
		p, err := f.router.SelectProcessor(ctx, PaymentRequest{
			AmountCents: 500, Method: MethodCash, LocationID: "loc_1",
		})
		require.NoError(t, err)
		assert.Equal(t, ProcessorOffline, p)
	})

	t.Run("card prefers healthy terminal over card network", func(t *testing.T) {
		f := newFixture(t)
		f.withHealthyTerminal()
		p, err := f.router.SelectProcessor(ctx, cardPayment())
		require.NoError(t, err)
		assert.Equal(t, ProcessorTerminal, p)
	})

	t.Run("card skips unhealthy terminal", func(t *testing.T) {
		f := newFixture(t)
		f.withHealthyTerminal()
		f.terminals.health["term_1"].Healthy = false
		p, err := f.router.SelectProcessor(ctx, cardPayment())
		require.NoError(t, err)
		assert.Equal(t, ProcessorCardNetwork, p)
	})

	t.Run("card with nothing online goes offline", func(t *testing.T) {
		f := newFixture(t)
		f.network.online = false
		f.network.cardAvail = false
		p, err := f.router.SelectProcessor(ctx, cardPayment())
		require.NoError(t, err)
		assert.Equal(t, ProcessorOffline, p)
	})

	t.Run("split needs card network", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.router.SelectProcessor(ctx, PaymentRequest{
			AmountCents: 500, Method: MethodSplit, LocationID: "loc_1",
		})
		require.NoError(t, err)
		assert.Equal(t, ProcessorCardNetwork, p)

		f.network.cardAvail = false
		p, err = f.router.SelectProcessor(ctx, PaymentRequest{
			AmountCents: 500, Method: MethodSplit, LocationID: "loc_1",
		})
		require.NoError(t, err)
		assert.Equal(t, ProcessorOffline, p)
	})

	t.Run("preferred processor honored when available", func(t *testing.T) {
		f := newFixture(t)
		f.withHealthyTerminal()
		req := cardPayment()
		req.PreferredProcessor = ProcessorCardNetwork
		p, err := f.router.SelectProcessor(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ProcessorCardNetwork, p)
	})

	t.Run("unavailable preference falls through", func(t *testing.T) {
		f := newFixture(t)
		req := cardPayment()
		req.PreferredProcessor = ProcessorTerminal // no terminals exist
		p, err := f.router.SelectProcessor(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ProcessorCardNetwork, p)
	})

	t.Run("no processor at all", func(t *testing.T) {
		f := newFixture(t)
		f.network.online = false
		f.network.cardAvail = false
		disabled := offline.NewService(offline.Config{}, audit.NewMemoryStore(), slog.Default())
		f.router = New(f.terminals, f.cards, nil, disabled, f.network, slog.Default())

		_, err := f.router.SelectProcessor(ctx, cardPayment())
		assert.ErrorIs(t, err, ErrNoProcessor)
	})

	t.Run("invalid method", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.router.SelectProcessor(ctx, PaymentRequest{
			AmountCents: 500, Method: "check", LocationID: "loc_1",
		})
		assert.ErrorIs(t, err, ErrInvalidMethod)
	})
}

func TestRoutePayment_Terminal(t *testing.T) {
	f := newFixture(t)
	f.withHealthyTerminal()

	res, err := f.router.RoutePayment(context.Background(), cardPayment())
	require.NoError(t, err)
	assert.Equal(t, ProcessorTerminal, res.Processor)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Equal(t, "123456", res.AuthCode)
	assert.Equal(t, "Visa", res.CardType)
	assert.Equal(t, "4242", res.Last4)
	assert.NotEmpty(t, res.PaymentID)

	require.Len(t, f.terminals.txnReqs, 1)
	assert.Equal(t, pax.TxnSale, f.terminals.txnReqs[0].Type)
	assert.Equal(t, int64(2500), f.terminals.txnReqs[0].AmountCents)
}

func TestRoutePayment_TerminalDeclineIsNotError(t *testing.T) {
	f := newFixture(t)
	f.withHealthyTerminal()
	f.terminals.txn = &pax.TransactionResult{Success: false, Code: "100001", Message: "DECLINED"}

	res, err := f.router.RoutePayment(context.Background(), cardPayment())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "DECLINED", res.Reason)
	assert.False(t, res.FellBack)
}

func TestRoutePayment_CardNetwork(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.RoutePayment(context.Background(), cardPayment())
	require.NoError(t, err)
	assert.Equal(t, ProcessorCardNetwork, res.Processor)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Equal(t, "pi_1", res.ProcessorRef)
}

func TestRoutePayment_CashOnlineCaptures(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.RoutePayment(context.Background(), PaymentRequest{
		AmountCents: 500, Method: MethodCash, LocationID: "loc_1",
	})
	require.NoError(t, err)
	assert.Equal(t, ProcessorCardNetwork, res.Processor)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Empty(t, res.ProcessorRef)
}

func TestRoutePayment_FallsBackToOffline(t *testing.T) {
	f := newFixture(t)
	f.withHealthyTerminal()
	f.terminals.txnErr = errors.New("dial tcp: connection refused")

	res, err := f.router.RoutePayment(context.Background(), cardPayment())
	require.NoError(t, err)
	assert.Equal(t, ProcessorOffline, res.Processor)
	assert.Equal(t, StatusOfflinePending, res.Status)
	assert.True(t, res.FellBack)
	assert.True(t, res.RequiresOnlineCapture)
}

func TestRoutePayment_FallbackDisabledPropagatesError(t *testing.T) {
	f := newFixture(t)
	f.withHealthyTerminal()
	f.terminals.txnErr = errors.New("dial tcp: connection refused")
	disabled := offline.NewService(offline.Config{}, audit.NewMemoryStore(), slog.Default())
	f.router = New(f.terminals, f.cards, f.router.cardBreaker, disabled, f.network, slog.Default())

	_, err := f.router.RoutePayment(context.Background(), cardPayment())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRoutePayment_OfflineDailyCap(t *testing.T) {
	f := newFixture(t)
	f.network.online = false
	f.network.cardAvail = false
	ctx := context.Background()

	// $4,800 of offline card spend today, then $300 more is declined.
	for i := 0; i < 10; i++ {
		res, err := f.router.RoutePayment(ctx, PaymentRequest{
			AmountCents: 48000, Method: MethodCard, LocationID: "loc_1",
		})
		require.NoError(t, err)
		require.Equal(t, StatusOfflinePending, res.Status, "payment %d", i)
	}

	res, err := f.router.RoutePayment(ctx, PaymentRequest{
		AmountCents: 30000, Method: MethodCard, LocationID: "loc_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "daily limit")

	res, err = f.router.RoutePayment(ctx, PaymentRequest{
		AmountCents: 20000, Method: MethodCard, LocationID: "loc_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOfflinePending, res.Status)
}

func TestRoutePayment_BreakerOpensOnCardNetworkErrors(t *testing.T) {
	f := newFixture(t)
	f.cards.err = errors.New("stripe: 503 service unavailable")
	disabled := offline.NewService(offline.Config{}, audit.NewMemoryStore(), slog.Default())
	f.router.offline = disabled
	ctx := context.Background()

	// Threshold is 3.
	for i := 0; i < 3; i++ {
		_, err := f.router.RoutePayment(ctx, cardPayment())
		require.Error(t, err)
	}

	_, err := f.router.RoutePayment(ctx, cardPayment())
	var oe *circuitbreaker.OpenError
	require.ErrorAs(t, err, &oe)
}

func TestProcessorHealth(t *testing.T) {
	f := newFixture(t)
	f.withHealthyTerminal()

	statuses := f.router.ProcessorHealth("loc_1")
	require.Len(t, statuses, 3)
	byName := make(map[string]ProcessorStatus, 3)
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.True(t, byName[ProcessorTerminal].Available)
	assert.True(t, byName[ProcessorCardNetwork].Available)
	assert.True(t, byName[ProcessorOffline].Available)

	f.network.online = false
	f.network.cardAvail = false
	assert.Equal(t, []string{ProcessorTerminal, ProcessorOffline},
		f.router.AvailableProcessors("loc_1"))
}

func TestCapturePayment(t *testing.T) {
	f := newFixture(t)
	f.network.online = false
	f.network.cardAvail = false
	ctx := context.Background()

	res, err := f.router.RoutePayment(ctx, cardPayment())
	require.NoError(t, err)
	require.Equal(t, StatusOfflinePending, res.Status)

	// Still offline: capture refused.
	err = f.router.CapturePayment(ctx, res.PaymentID)
	assert.ErrorIs(t, err, offline.ErrNetworkUnavailable)

	f.network.online = true
	f.network.cardAvail = true
	require.NoError(t, f.router.CapturePayment(ctx, res.PaymentID))
	assert.Equal(t, []string{res.PaymentID}, f.cards.captured)

	err = f.router.CapturePayment(ctx, res.PaymentID)
	assert.ErrorIs(t, err, offline.ErrAlreadyCaptured)
}
