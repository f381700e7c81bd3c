package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 3, Cooldown: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		p, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow %d: unexpected refusal: %v", i, err)
		}
		p.Failure()
	}

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after %d consecutive failures, got %s", 3, b.State())
	}

	if _, err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen while OPEN, got %v", err)
	}
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 20 * time.Millisecond})

	p, _ := b.Allow()
	p.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	p, err := b.Allow()
	if err != nil {
		t.Fatalf("expected a probe to be allowed in HALF_OPEN, got %v", err)
	}
	p.Success()

	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after successful probe, got %s", b.State())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 1, Cooldown: 20 * time.Millisecond})

	p, _ := b.Allow()
	p.Failure()
	time.Sleep(30 * time.Millisecond)

	p, err := b.Allow()
	if err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	p.Failure()

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", b.State())
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 5, Cooldown: time.Minute})

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after ForceOpen, got %s", b.State())
	}
	if _, err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}

	b.ForceClose()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after ForceClose, got %s", b.State())
	}
}

func TestForceClose_UnconditionalWithinCooldown(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 1, Cooldown: time.Minute})

	p, _ := b.Allow()
	p.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after tripping, got %s", b.State())
	}
	if _, err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen while still within cooldown, got %v", err)
	}

	b.ForceClose()

	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED immediately after ForceClose, got %s", b.State())
	}
	if _, err := b.Allow(); err != nil {
		t.Fatalf("expected Allow to succeed after ForceClose, got %v", err)
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Settings{
		Name:             "alpha",
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+string(from)+"->"+string(to))
		},
	})

	p, _ := b.Allow()
	p.Failure()

	if len(transitions) == 0 {
		t.Fatalf("expected at least one recorded transition")
	}
	if transitions[0] != "alpha:CLOSED->OPEN" {
		t.Fatalf("unexpected transition: %s", transitions[0])
	}
}

func TestRollingWindowFailureRateTrip(t *testing.T) {
	b := New(Settings{Name: "alpha", FailureThreshold: 1000, RollingWindow: 10, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		p, _ := b.Allow()
		p.Success()
	}
	for i := 0; i < 5; i++ {
		p, _ := b.Allow()
		p.Failure()
	}

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN from 50%% failure rate over rolling window, got %s", b.State())
	}
}
