package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 100 * time.Millisecond})

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3, Timeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 1, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("state below min samples = %v, want closed", s)
	}

	cb.RecordFailure() // 6 failures / 10 calls
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open on error rate", s)
	}
}

func TestCircuitBreaker_errorRate(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 100, ErrorRateWindow: time.Minute})
	cb.RecordFailure()
	cb.RecordSuccess()

	rate, total := cb.ErrorRate()
	if total != 2 || rate != 0.5 {
		t.Errorf("ErrorRate() = %v/%d, want 0.5/2", rate, total)
	}
}

func TestCircuitBreaker_notifiesStateChanges(t *testing.T) {
	var mu sync.Mutex
	var seen []BreakerState
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
		OnStateChange: func(s BreakerState) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestBreakerState_GaugeValue(t *testing.T) {
	tests := map[BreakerState]float64{
		BreakerClosed:   0,
		BreakerHalfOpen: 1,
		BreakerOpen:     2,
	}
	for state, want := range tests {
		if got := state.GaugeValue(); got != want {
			t.Errorf("%v.GaugeValue() = %v, want %v", state, got, want)
		}
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{})
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 4 failures = %v, want closed (default threshold 5)", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 5 failures = %v, want open", s)
	}
}
