package notifications

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// DispatcherConfig configures the Dispatcher (spec.md §6.4 notifications.*).
type DispatcherConfig struct {
	QueueSize        int
	WorkerCount      int
	MaxRetries       int
	RetryBackoffSecs int     // 0 retries without waiting; negative means 1
	RateLimitPerSec  float64 // 0 disables rate limiting
}

// Dispatcher is the bounded-queue, worker-pool fan-out engine of spec.md
// §4.6.
type Dispatcher struct {
	cfg     DispatcherConfig
	senders map[model.ChannelKind]Sender
	breakers map[model.ChannelKind]*channelBreaker
	limiter *rate.Limiter

	queue chan *model.Notification
	wg    sync.WaitGroup
}

// New constructs a Dispatcher. Call Run to start the worker pool.
func New(senders []Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffSecs < 0 {
		cfg.RetryBackoffSecs = 1
	}

	d := &Dispatcher{
		cfg:      cfg,
		senders:  make(map[model.ChannelKind]Sender, len(senders)),
		breakers: make(map[model.ChannelKind]*channelBreaker, len(senders)),
		queue:    make(chan *model.Notification, cfg.QueueSize),
	}
	for _, s := range senders {
		d.senders[s.Kind()] = s
		d.breakers[s.Kind()] = newChannelBreaker(string(s.Kind()), defaultBreakerConfig())
	}
	if cfg.RateLimitPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has returned. The same ctx is passed to in-flight sends, rate
// limiter waits and backoff waits, so cancellation stops them rather than
// letting them finish; there is no separate grace period. Notifications
// still in the queue are not sent, and Enqueue keeps accepting until the
// queue is full.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	<-ctx.Done()
	d.wg.Wait()
}

// Enqueue submits a notification for delivery. Returns NotificationOverload
// if the queue is full, per spec.md §4.6 "Backpressure" — callers must log
// and continue without blocking.
func (d *Dispatcher) Enqueue(n *model.Notification) error {
	select {
	case d.queue <- n:
		return nil
	default:
		return sentinelerr.New(sentinelerr.NotificationOverload, "notification queue full")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			d.attempt(ctx, n)
		}
	}
}

// attempt runs the retry loop of spec.md §4.6 "Retry": exponential backoff
// doubling each attempt, terminal errors skip further retries, exhaustion
// drops the notification.
func (d *Dispatcher) attempt(ctx context.Context, n *model.Notification) {
	sender, ok := d.senders[n.Target.Kind]
	if !ok {
		log.Warn().Str("channel", string(n.Target.Kind)).Msg("no sender registered for channel, dropping")
		return
	}
	breaker := d.breakers[n.Target.Kind]
	backoff := time.Duration(d.cfg.RetryBackoffSecs) * time.Second

	for n.Attempts < d.cfg.MaxRetries {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if breaker != nil && !breaker.Allow() {
			log.Warn().Str("channel", string(n.Target.Kind)).Msg("channel breaker open, dropping send")
			return
		}

		n.Attempts++
		err := sender.Send(ctx, n)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return
		}

		chErr, isChannelErr := err.(*ChannelError)
		isRetryable := !isChannelErr || chErr.Retryable
		if breaker != nil {
			breaker.RecordFailure(err, isRetryable)
		}
		n.LastError = err.Error()

		if !isRetryable {
			log.Warn().Err(err).Str("channel", string(n.Target.Kind)).
				Msg("terminal channel error, no further retries")
			return
		}
		if n.Attempts >= d.cfg.MaxRetries {
			log.Warn().Err(err).Str("channel", string(n.Target.Kind)).
				Int("attempts", n.Attempts).Msg("notification retries exhausted, dropping")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
