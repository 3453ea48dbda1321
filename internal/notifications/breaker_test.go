package notifications

import (
	"errors"
	"testing"
	"time"
)

func testBreakerConfig() breakerConfig {
	return breakerConfig{
		FailureThreshold:  2,
		SuccessThreshold:  2,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        40 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestBreakerTripsAfterThresholdFailures(t *testing.T) {
	b := newChannelBreaker("slack", testBreakerConfig())
	if !b.Allow() {
		t.Fatal("a fresh breaker should allow sends")
	}

	b.RecordFailure(errors.New("timeout"), true)
	if !b.Allow() {
		t.Fatal("one failure below threshold should still allow sends")
	}
	b.RecordFailure(errors.New("timeout"), true)
	if b.Allow() {
		t.Fatal("breaker should open once the failure threshold is reached")
	}
}

func TestBreakerHalfOpensAfterBackoffAndRecloses(t *testing.T) {
	b := newChannelBreaker("slack", testBreakerConfig())
	b.RecordFailure(errors.New("e1"), true)
	b.RecordFailure(errors.New("e2"), true)
	if b.Allow() {
		t.Fatal("breaker should be open immediately after tripping")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should allow a single probe once backoff elapses")
	}
	if b.Allow() {
		t.Fatal("a second concurrent probe should not be allowed while one is in flight")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.state != breakerClosed {
		t.Errorf("expected breaker to close after SuccessThreshold consecutive successes, got state %d", b.state)
	}
}

func TestBreakerFailedProbeReopensWithLongerBackoff(t *testing.T) {
	b := newChannelBreaker("slack", testBreakerConfig())
	b.RecordFailure(errors.New("e1"), true)
	b.RecordFailure(errors.New("e2"), true)
	firstBackoff := b.currentBackoff

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected a probe to be allowed")
	}
	b.RecordFailure(errors.New("probe failed"), true)

	if b.state != breakerOpen {
		t.Errorf("expected breaker to reopen after a failed probe, got state %d", b.state)
	}
	if b.currentBackoff <= firstBackoff {
		t.Errorf("expected backoff to increase after a failed probe, got %v (was %v)", b.currentBackoff, firstBackoff)
	}
}

func TestBreakerIgnoresTerminalErrors(t *testing.T) {
	b := newChannelBreaker("email", testBreakerConfig())
	b.RecordFailure(errors.New("bad creds"), false)
	b.RecordFailure(errors.New("bad creds"), false)
	b.RecordFailure(errors.New("bad creds"), false)
	if !b.Allow() {
		t.Error("terminal (non-retryable) errors should never trip the breaker")
	}
}
