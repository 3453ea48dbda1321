package notifications

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// breakerState mirrors the three-state circuit breaker the teacher uses to
// guard AI patrol operations (ai/circuit.Breaker), adapted here to gate a
// single notification channel so a channel having a bad outage doesn't
// spend the whole retry budget hammering it.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breakerConfig configures a channelBreaker.
type breakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// channelBreaker trips after repeated channel failures and backs off
// before allowing further sends, same state machine as the teacher's
// circuit.Breaker (closed -> open -> half-open probe -> closed/open).
type channelBreaker struct {
	mu sync.Mutex

	cfg   breakerConfig
	name  string
	state breakerState

	consecutiveFailures  int
	consecutiveSuccesses int
	currentBackoff       time.Duration
	openedAt             time.Time
	probeInFlight        bool
}

func newChannelBreaker(name string, cfg breakerConfig) *channelBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &channelBreaker{
		cfg:            cfg,
		name:           name,
		state:          breakerClosed,
		currentBackoff: cfg.InitialBackoff,
	}
}

// Allow reports whether a send should be attempted right now.
func (b *channelBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.state = breakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

func (b *channelBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = breakerClosed
			b.currentBackoff = b.cfg.InitialBackoff
		}
	}
}

func (b *channelBreaker) RecordFailure(err error, channelRetryable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !channelRetryable {
		// Terminal errors won't be fixed by waiting; don't trip the breaker.
		if b.state == breakerHalfOpen {
			b.probeInFlight = false
		}
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case breakerClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(err)
		}
	case breakerHalfOpen:
		b.probeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.cfg.BackoffMultiplier)
		if b.currentBackoff > b.cfg.MaxBackoff {
			b.currentBackoff = b.cfg.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *channelBreaker) trip(err error) {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.probeInFlight = false
	log.Warn().Str("channel", b.name).Dur("backoff", b.currentBackoff).Err(err).
		Msg("notification channel breaker tripped")
}
