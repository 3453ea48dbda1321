package subscription

import (
	"testing"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

func TestBusPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sub1", Filter{}, 4)
	defer unsub()

	in := &model.Incident{ID: "i1", Severity: model.SeverityP1, Source: "sentinel"}
	b.Publish(Event{UpdateType: UpdateCreated, IncidentID: "i1", Timestamp: time.Now(), Incident: in}, in)

	select {
	case ev := <-ch:
		if ev.IncidentID != "i1" || ev.UpdateType != UpdateCreated {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event delivery, timed out")
	}
}

func TestBusFilterBySeverity(t *testing.T) {
	b := New()
	filter := Filter{Severities: map[model.Severity]struct{}{model.SeverityP0: {}}}
	ch, unsub := b.Subscribe("sub1", filter, 4)
	defer unsub()

	p2 := &model.Incident{ID: "i1", Severity: model.SeverityP2}
	b.Publish(Event{UpdateType: UpdateCreated, IncidentID: "i1", Timestamp: time.Now()}, p2)

	select {
	case ev := <-ch:
		t.Fatalf("did not expect delivery for a non-matching severity, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	p0 := &model.Incident{ID: "i2", Severity: model.SeverityP0}
	b.Publish(Event{UpdateType: UpdateCreated, IncidentID: "i2", Timestamp: time.Now()}, p0)
	select {
	case ev := <-ch:
		if ev.IncidentID != "i2" {
			t.Errorf("expected delivery for i2, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery for a matching severity")
	}
}

func TestBusHeartbeatBypassesIncidentFilters(t *testing.T) {
	b := New()
	filter := Filter{Severities: map[model.Severity]struct{}{model.SeverityP0: {}}}
	ch, unsub := b.Subscribe("sub1", filter, 4)
	defer unsub()

	b.Publish(Event{UpdateType: UpdateHeartbeat, Timestamp: time.Now()}, nil)
	select {
	case ev := <-ch:
		if ev.UpdateType != UpdateHeartbeat {
			t.Errorf("expected a heartbeat event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the heartbeat to bypass severity filters")
	}
}

func TestBusDropsLaggingSubscriber(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("sub1", Filter{}, 1)

	in := &model.Incident{ID: "i1", Severity: model.SeverityP1}
	// Fill the 1-slot buffer, then overflow it maxLagBeforeDrop times.
	for i := 0; i < maxLagBeforeDrop+1; i++ {
		b.Publish(Event{UpdateType: UpdateCreated, IncidentID: "i1", Timestamp: time.Now()}, in)
	}

	if b.SubscriberCount() != 0 {
		t.Errorf("expected the lagging subscriber to be dropped, count=%d", b.SubscriberCount())
	}

	// Channel should be closed, not just abandoned: draining it must reach
	// ok=false within a bounded number of reads (one buffered event, then
	// closure).
	closed := false
	for i := 0; i < 2; i++ {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected to observe channel closure")
		}
	}
	if !closed {
		t.Error("expected the subscriber channel to be closed after drop")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("sub1", Filter{}, 4)
	unsub()

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestBusCloseClosesAllChannels(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("sub1", Filter{}, 4)
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed by Bus.Close")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel closure after Close")
	}
}
