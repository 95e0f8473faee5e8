package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grcflow/grcflow/core"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker() (*CircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("directory"))
	cb.SetClock(clock.Now)
	return cb, clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, clock := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		clock.Advance(time.Second)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s after 4 failures, want closed", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s after 5 failures, want open", cb.State())
	}
	if cb.CanExecute() {
		t.Error("open circuit must reject calls")
	}
}

func TestFailureWindowResetsCount(t *testing.T) {
	cb, clock := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	// Past the 30s window: the streak starts over.
	clock.Advance(31 * time.Second)
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed; stale failures must not count", cb.State())
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed after streak reset", cb.State())
	}
}

func TestHalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	cb, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.CanExecute() {
		t.Fatal("circuit should be open")
	}

	clock.Advance(60 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("recovery timeout elapsed; probe must be allowed")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed after successful probe", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(60 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("probe must be allowed")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", cb.State())
	}
	// The fresh open period starts from the probe failure.
	clock.Advance(30 * time.Second)
	if cb.CanExecute() {
		t.Error("circuit must stay open for a full recovery timeout after reopening")
	}
}

func TestExecuteOpenCircuitShortCircuits(t *testing.T) {
	cb, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	called := false
	err := cb.Execute(context.Background(), 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("error = %v, want ErrCircuitBreakerOpen", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestExecuteTimeout(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("slow"))

	err := cb.Execute(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestExecuteRecordsOutcomes(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, 0, func(ctx context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d error = %v", i+1, err)
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %s, want open after 5 failed executions", cb.State())
	}
}
