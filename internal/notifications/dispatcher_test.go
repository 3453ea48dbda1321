package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

type fakeSender struct {
	mu       sync.Mutex
	kind     model.ChannelKind
	sent     []*model.Notification
	fail     func(attempt int) error // nil means always succeed
}

func (f *fakeSender) Kind() model.ChannelKind { return f.kind }

func (f *fakeSender) Send(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	if f.fail != nil {
		return f.fail(n.Attempts)
	}
	return nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func notif(kind model.ChannelKind) *model.Notification {
	return &model.Notification{ID: "n1", IncidentID: "inc-1", Target: model.ChannelTarget{Kind: kind}, CreatedAt: time.Now()}
}

func TestDispatcherDeliversSuccessfully(t *testing.T) {
	sender := &fakeSender{kind: model.ChannelSlack}
	d := New([]Sender{sender}, DispatcherConfig{WorkerCount: 1, QueueSize: 4, MaxRetries: 3, RetryBackoffSecs: 1})
	cancel := runDispatcher(t, d)
	defer cancel()

	if err := d.Enqueue(notif(model.ChannelSlack)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return sender.sendCount() == 1 })
}

func TestDispatcherEnqueueRejectsWhenQueueFull(t *testing.T) {
	sender := &fakeSender{kind: model.ChannelSlack}
	d := New([]Sender{sender}, DispatcherConfig{QueueSize: 1, MaxRetries: 1})
	// Run is never started, so nothing drains the queue.
	if err := d.Enqueue(notif(model.ChannelSlack)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := d.Enqueue(notif(model.ChannelSlack)); err == nil {
		t.Error("expected NotificationOverload once the bounded queue is full")
	}
}

func TestDispatcherDropsOnTerminalError(t *testing.T) {
	sender := &fakeSender{kind: model.ChannelEmail, fail: func(int) error {
		return terminal(errors.New("invalid credentials"))
	}}
	d := New([]Sender{sender}, DispatcherConfig{WorkerCount: 1, QueueSize: 4, MaxRetries: 5, RetryBackoffSecs: 1})
	cancel := runDispatcher(t, d)
	defer cancel()

	if err := d.Enqueue(notif(model.ChannelEmail)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return sender.sendCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := sender.sendCount(); got != 1 {
		t.Errorf("expected exactly one attempt for a terminal error, got %d", got)
	}
}

func TestDispatcherRetriesRetryableErrorsThenExhausts(t *testing.T) {
	sender := &fakeSender{kind: model.ChannelWebhook, fail: func(int) error {
		return retryable(errors.New("timeout"))
	}}
	d := New([]Sender{sender}, DispatcherConfig{WorkerCount: 1, QueueSize: 4, MaxRetries: 3, RetryBackoffSecs: 0})
	cancel := runDispatcher(t, d)
	defer cancel()

	if err := d.Enqueue(notif(model.ChannelWebhook)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return sender.sendCount() == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := sender.sendCount(); got != 3 {
		t.Errorf("expected exactly MaxRetries=3 attempts, got %d", got)
	}
}

func TestDispatcherDropsWhenNoSenderRegistered(t *testing.T) {
	d := New(nil, DispatcherConfig{WorkerCount: 1, QueueSize: 4, MaxRetries: 1})
	cancel := runDispatcher(t, d)
	defer cancel()

	if err := d.Enqueue(notif(model.ChannelPagerDuty)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// No sender is registered for pagerduty; the worker should just drop it
	// without panicking or blocking the loop.
	time.Sleep(20 * time.Millisecond)
}
