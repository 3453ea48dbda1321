// Package subscription delivers lifecycle events to in-process
// subscribers under filters, per spec.md §4.8. The broadcaster shape is
// modeled directly on the teacher's websocket.Hub (a mutex-guarded client
// set plus a send channel per client that gets dropped on overflow) but
// generalized from "push to every websocket client" to "evaluate each
// subscriber's filter, then push" — the actual gorilla/websocket wire
// transport is intentionally not wired in here (spec.md §1: transport is
// an external adapter's job).
package subscription

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
)

// UpdateType is the event kind a subscriber observes (spec.md §6.2).
type UpdateType string

const (
	UpdateCreated       UpdateType = "created"
	UpdateUpdated       UpdateType = "updated"
	UpdateStateChanged  UpdateType = "state_changed"
	UpdateResolved      UpdateType = "resolved"
	UpdateAssigned      UpdateType = "assigned"
	UpdateCommentAdded  UpdateType = "comment_added"
	UpdateHeartbeat     UpdateType = "heartbeat"
)

// Event is what subscribers receive.
type Event struct {
	UpdateType UpdateType      `json:"updateType"`
	IncidentID string          `json:"incidentId"`
	Timestamp  time.Time       `json:"timestamp"`
	Incident   *model.Incident `json:"incident,omitempty"`
}

// Filter restricts which events a subscriber receives (spec.md §4.8
// "Subscriber contract").
type Filter struct {
	IncidentIDs map[string]struct{}
	Severities  map[model.Severity]struct{}
	Sources     map[string]struct{}
	UpdateTypes map[UpdateType]struct{}
	ActiveOnly  bool
}

// Matches reports whether event ev, carrying incident in (nil for a
// Heartbeat), satisfies the filter.
func (f Filter) Matches(ev Event, in *model.Incident) bool {
	if len(f.UpdateTypes) > 0 {
		if _, ok := f.UpdateTypes[ev.UpdateType]; !ok {
			return false
		}
	}
	if ev.UpdateType == UpdateHeartbeat {
		return true
	}
	if len(f.IncidentIDs) > 0 {
		if _, ok := f.IncidentIDs[ev.IncidentID]; !ok {
			return false
		}
	}
	if in == nil {
		return true
	}
	if len(f.Severities) > 0 {
		if _, ok := f.Severities[in.Severity]; !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		if _, ok := f.Sources[in.Source]; !ok {
			return false
		}
	}
	if f.ActiveOnly && in.State.Terminal() {
		return false
	}
	return true
}

// subscriber is one registered delivery channel plus its filter and lag
// tracking, mirroring the teacher's Client{hub, send chan []byte, id}.
type subscriber struct {
	id      string
	filter  Filter
	send    chan Event
	lagged  int
}

const maxLagBeforeDrop = 3

// Bus fans events out to subscribers (spec.md §4.8). Guarded by a single
// mutex, matching the teacher's hub.mu pattern.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	stop        chan struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		stop:        make(chan struct{}),
	}
}

// Subscribe registers a new subscriber with the given filter and buffer
// capacity, returning a receive-only channel of Events and an unsubscribe
// function.
func (b *Bus) Subscribe(id string, filter Filter, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	sub := &subscriber{id: id, filter: filter, send: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return sub.send, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.send)
		delete(b.subscribers, id)
	}
}

// Publish delivers ev to every subscriber whose filter matches, non-
// blockingly. A subscriber whose channel is full is marked lagging; after
// maxLagBeforeDrop consecutive misses the bus drops it (spec.md §4.8).
func (b *Bus) Publish(ev Event, incident *model.Incident) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if !sub.filter.Matches(ev, incident) {
			continue
		}
		select {
		case sub.send <- ev:
			sub.lagged = 0
		default:
			sub.lagged++
			if sub.lagged >= maxLagBeforeDrop {
				log.Warn().Str("subscriber", id).Msg("subscriber lagging, dropping")
				close(sub.send)
				delete(b.subscribers, id)
			}
		}
	}
}

// RunHeartbeat emits a Heartbeat event to all subscribers on interval
// until stop is closed or Bus.Close is called (spec.md §6.2: "A periodic
// Heartbeat is emitted per connection for liveness").
func (b *Bus) RunHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Publish(Event{UpdateType: UpdateHeartbeat, Timestamp: time.Now()}, nil)
		}
	}
}

// Close stops the heartbeat loop and closes every subscriber channel.
func (b *Bus) Close() {
	close(b.stop)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.send)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
