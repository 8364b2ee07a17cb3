package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// testBreaker returns a breaker with a manual clock so tests can advance
// time deterministically instead of sleeping.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("card_network", cfg, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errBoom }
func succeed(context.Context) error { return nil }

func TestExecute_ClosedAllows(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be invoked while closed")
	}
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected underlying error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	// Next call must fail fast without invoking fn.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if called {
		t.Fatal("fn must not be invoked while open")
	}
	if oe.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %v", oe.RetryAfter)
	}
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("expected closed (counter reset by success), got %v", b.State())
	}
}

func TestExecute_HalfOpenAfterTimeout(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// Before cooldown elapses the probe is rejected.
	var oe *OpenError
	if err := b.Execute(ctx, succeed); !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError before cooldown, got %v", err)
	}

	// Advance past the cooldown: the next call is allowed through as a probe
	// and does not close the circuit on a single success.
	*now = now.Add(time.Minute + time.Second)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one probe success, got %v", b.State())
	}

	// Second success reaches the success threshold and closes.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", b.State())
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	*now = now.Add(2 * time.Minute)

	// Accumulate successes in half-open, then fail once: reopens regardless.
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, succeed)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected single half-open failure to reopen, got %v", b.State())
	}
}

func TestStats(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	s := b.Stats()
	if s.State != "open" {
		t.Fatalf("expected open, got %s", s.State)
	}
	if s.TotalRequests != 3 || s.TotalSuccesses != 1 || s.TotalFailures != 2 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.NextAttempt.IsZero() {
		t.Fatal("expected nextAttempt to be set while open")
	}
}

func TestForceStateAndReset(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	b.ForceState(StateOpen)
	var oe *OpenError
	if err := b.Execute(ctx, succeed); !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError after ForceState(open), got %v", err)
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", b.State())
	}
	s := b.Stats()
	if s.TotalRequests != 0 || s.FailureCount != 0 {
		t.Fatalf("expected zeroed counters after reset: %+v", s)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected request to flow after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
