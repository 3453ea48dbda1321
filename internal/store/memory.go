package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// Memory is the default in-process Store backend: a concurrent incident
// index plus a fingerprint secondary index, both guarded by the same mutex
// so a save and its index update are atomic — the same discipline the
// teacher's alerts.Manager uses between activeAlerts and its fingerprint-ish
// recentAlerts map.
type Memory struct {
	mu          sync.RWMutex
	incidents   map[string]*model.Incident
	fingerprint map[string][]string // fingerprint -> incident ids, newest last
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		incidents:   make(map[string]*model.Incident),
		fingerprint: make(map[string][]string),
	}
}

func (m *Memory) Save(_ context.Context, incident *model.Incident) (*model.Incident, error) {
	if incident.ID == "" {
		return nil, sentinelerr.New(sentinelerr.InvalidInput, "incident id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.incidents[incident.ID]
	if prev != nil && prev.Fingerprint != incident.Fingerprint {
		m.removeFingerprintLocked(prev.Fingerprint, prev.ID)
	}
	if prev == nil || prev.Fingerprint != incident.Fingerprint {
		m.addFingerprintLocked(incident.Fingerprint, incident.ID)
	}
	m.incidents[incident.ID] = incident.Clone()

	if prev != nil {
		return prev.Clone(), nil
	}
	return nil, nil
}

func (m *Memory) addFingerprintLocked(fp, id string) {
	if fp == "" {
		return
	}
	m.fingerprint[fp] = append(m.fingerprint[fp], id)
}

func (m *Memory) removeFingerprintLocked(fp, id string) {
	ids := m.fingerprint[fp]
	for i, v := range ids {
		if v == id {
			m.fingerprint[fp] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.fingerprint[fp]) == 0 {
		delete(m.fingerprint, fp)
	}
}

func (m *Memory) Get(_ context.Context, id string) (*model.Incident, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

func (m *Memory) List(_ context.Context, filter model.Filter, offset, limit int) ([]*model.Incident, error) {
	m.mu.RLock()
	all := make([]*model.Incident, 0, len(m.incidents))
	for _, in := range m.incidents {
		if filter.Match(in) {
			all = append(all, in.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*model.Incident{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (m *Memory) Count(_ context.Context, filter model.Filter) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, in := range m.incidents {
		if filter.Match(in) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) LookupByFingerprint(_ context.Context, fingerprint string) ([]*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.fingerprint[fingerprint]
	out := make([]*model.Incident, 0, len(ids))
	for _, id := range ids {
		if in, ok := m.incidents[id]; ok {
			out = append(out, in.Clone())
		}
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, id string, event model.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[id]
	if !ok {
		return sentinelerr.New(sentinelerr.NotFound, "incident not found: "+id)
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}
	in.Timeline = append(in.Timeline, event)
	return nil
}

func (m *Memory) ApplyTransition(_ context.Context, id string, newState model.State, actor string) (*model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.incidents[id]
	if !ok {
		return nil, sentinelerr.New(sentinelerr.NotFound, "incident not found: "+id)
	}
	if !model.AllowedEdge(in.State, newState) {
		return nil, sentinelerr.New(sentinelerr.InvalidStateTransition,
			string(in.State)+" -> "+string(newState))
	}

	from := in.State
	in.State = newState
	ts := now()
	in.UpdatedAt = ts

	if newState == model.StateResolved || newState == model.StateClosed {
		if in.ResolvedAt == nil {
			t := ts
			in.ResolvedAt = &t
		}
	} else {
		in.ResolvedAt = nil
	}

	kind := model.EventStateChanged
	switch newState {
	case model.StateResolved:
		kind = model.EventResolved
	case model.StateClosed:
		kind = model.EventClosed
	case model.StateReopened:
		kind = model.EventReopened
	}

	in.Timeline = append(in.Timeline, model.IncidentEvent{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Actor:     actor,
		Timestamp: ts,
		Payload: map[string]interface{}{
			"from": string(from),
			"to":   string(newState),
		},
	})

	// Reopened → Investigating is immediate and automatic (spec.md §3.3):
	// fold the second edge into the same atomic write so no observer ever
	// sees the incident resting in the Reopened state.
	if newState == model.StateReopened {
		in.State = model.StateInvestigating
		in.Timeline = append(in.Timeline, model.IncidentEvent{
			ID:        ulid.Make().String(),
			Kind:      model.EventStateChanged,
			Actor:     model.SystemActor,
			Timestamp: ts,
			Payload: map[string]interface{}{
				"from": string(model.StateReopened),
				"to":   string(model.StateInvestigating),
			},
		})
	}

	return in.Clone(), nil
}

var _ Store = (*Memory)(nil)

// staleCutoff is the boundary PruneTerminal compares ResolvedAt against: any
// terminal incident resolved before this instant is eligible for removal.
func staleCutoff(age time.Duration) time.Time {
	return now().Add(-age)
}

// PruneTerminal drops Resolved/Closed incidents whose ResolvedAt is older
// than retention, along with their fingerprint index entries, bounding the
// in-memory index's growth the way Pulse's own alert history trims aged
// entries. It returns the number of incidents removed. retention <= 0
// disables pruning entirely.
func (m *Memory) PruneTerminal(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := staleCutoff(retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, in := range m.incidents {
		if !in.State.Terminal() || in.ResolvedAt == nil || in.ResolvedAt.After(cutoff) {
			continue
		}
		m.removeFingerprintLocked(in.Fingerprint, id)
		delete(m.incidents, id)
		removed++
	}
	return removed
}

// RunPruneLoop runs PruneTerminal every interval until ctx is cancelled,
// mirroring the enrichment cache's runPurgeLoop background-maintenance
// shape.
func (m *Memory) RunPruneLoop(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.PruneTerminal(retention); n > 0 {
				log.Info().Int("removed", n).Msg("pruned stale terminal incidents")
			}
		}
	}
}
