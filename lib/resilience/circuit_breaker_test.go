package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{})
	if got := cb.State(); got != CircuitClosed {
		t.Errorf("initial state = %v, want closed", got)
	}
	if !cb.Allow() {
		t.Error("closed circuit must allow requests")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatal("circuit opened below the failure threshold")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("circuit did not open at the failure threshold")
	}
	if cb.Allow() {
		t.Error("open circuit allowed a request inside the cooldown")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Error("non-consecutive failures tripped the circuit")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Millisecond,
		HalfOpenProbes:   1,
	})

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open circuit allowed a request before cooldown")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("cooldown elapsed but no trial was admitted")
	}
	// Probe budget of 1 is spent.
	if cb.Allow() {
		t.Error("second trial admitted past the half-open probe cap")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatal("circuit closed before the success threshold")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Error("circuit did not close after enough trial successes")
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("no trial admitted after cooldown")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Error("failed trial did not restart the cooldown")
	}
}

func TestBreakerExecute(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	boom := errors.New("boom")
	if err := cb.Execute(func() error { return boom }); err != boom {
		t.Fatalf("Execute error = %v, want boom", err)
	}

	// The failure tripped the circuit, so the next call is shed.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("function ran through an open circuit")
	}
}

func TestBreakerReset(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	cb.RecordFailure()
	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Error("Reset did not close the circuit")
	}
	if !cb.Allow() {
		t.Error("reset circuit rejected a request")
	}
}

func TestBreakerStats(t *testing.T) {
	cb := NewBreaker("uplink", BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Hour})
	cb.RecordFailure()
	cb.RecordFailure()

	st := cb.Stats()
	if st.Name != "uplink" {
		t.Errorf("Name = %q", st.Name)
	}
	if st.State != CircuitClosed {
		t.Errorf("State = %v", st.State)
	}
	if st.Failures != 2 {
		t.Errorf("Failures = %d, want 2", st.Failures)
	}
}

func TestCircuitStateString(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
