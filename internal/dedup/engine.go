// Package dedup implements spec.md §4.2: deciding whether an incoming Alert
// collapses into an existing Incident or creates a new one.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
	"github.com/rcourtman/sentineld/internal/store"
)

// Config configures the engine (spec.md §6.4 dedup.*).
type Config struct {
	WindowSecs       int
	ReopenWindowSecs int // 0 disables reopen-on-dedup
	LabelKeys        LabelKeys
}

// Decision is the outcome of processing one alert. Incident is always
// non-nil and already persisted: on the "create new" path this engine
// saves the new incident itself, inside the same per-fingerprint critical
// section as the candidate lookup, so two simultaneous alerts for a brand
// new fingerprint can never each create their own incident (spec.md §4.2
// "Concurrency" applies to the create path too, not only to merges).
type Decision struct {
	Incident    *model.Incident
	Merged      bool   // true: Incident is the pre-existing one, now updated
	Created     bool   // true: Incident was just created by this call
	Reopened    bool   // true: Incident transitioned out of a terminal state
	Fingerprint string // always set
}

// NewIncidentFunc builds a fresh Incident from an alert and its computed
// fingerprint. The caller supplies this to New; NewIncidentFromAlert below
// is the implementation the daemon and the tests pass in.
type NewIncidentFunc func(alert *model.Alert, fingerprint string) *model.Incident

// Engine performs fingerprint-based alert collapsing.
type Engine struct {
	store       store.Store
	cfg         Config
	locks       fingerprintLocks
	newIncident NewIncidentFunc
}

// New constructs a dedup Engine over store s. newIncident is used to
// materialize a new Incident when no merge candidate is found.
func New(s store.Store, cfg Config, newIncident NewIncidentFunc) *Engine {
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = 900
	}
	return &Engine{store: s, cfg: cfg, newIncident: newIncident}
}

// Process runs the algorithm of spec.md §4.2. Concurrent calls for the same
// fingerprint are serialized on a per-fingerprint lock so the
// lookup→decision→write sequence never interleaves for two alerts sharing a
// fingerprint (spec.md §4.2 "Concurrency"). Unlike singleflight.Group, each
// caller's decide() runs to completion on its own alert rather than sharing
// one caller's result — two truly-simultaneous alerts for a brand-new
// fingerprint each get accounted for (the second becomes a real merge,
// MergeCount=1, instead of being silently folded into the first's Created
// decision).
//
// On store failure, per spec.md §4.2 "Failure semantics", dedup is skipped
// and the caller should proceed to create a new incident directly — this
// method signals that by returning a non-nil error and a nil Decision.
func (e *Engine) Process(ctx context.Context, alert *model.Alert) (*Decision, error) {
	fp := alert.Fingerprint
	if fp == "" {
		fp = Fingerprint(alert, e.cfg.LabelKeys)
	}

	unlock := e.locks.lock(fp)
	defer unlock()

	return e.decide(ctx, alert, fp)
}

func (e *Engine) decide(ctx context.Context, alert *model.Alert, fp string) (*Decision, error) {
	candidates, err := e.store.LookupByFingerprint(ctx, fp)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("dedup lookup failed, biasing toward new incident")
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "fingerprint lookup", err)
	}

	best, reopenCandidate := e.pickCandidate(alert, candidates)
	if best == nil {
		in := e.newIncident(alert, fp)
		if _, err := e.store.Save(ctx, in); err != nil {
			return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save new incident", err)
		}
		return &Decision{Incident: in, Created: true, Fingerprint: fp}, nil
	}

	best.MergeCount++
	best.UpdatedAt = alert.ReceivedAt
	widenAffectedResources(best, alert.AffectedServices)

	best.Timeline = append(best.Timeline, model.IncidentEvent{
		ID:        ulid.Make().String(),
		Kind:      model.EventMerged,
		Actor:     model.SystemActor,
		Timestamp: alert.ReceivedAt,
		Payload: map[string]interface{}{
			"alertExternalId": alert.ExternalID,
			"mergeCount":      best.MergeCount,
		},
	})

	// spec.md §9 open question: a higher-severity merged alert never
	// silently raises the incident's own severity. It only leaves a
	// candidate signal behind for ML/operator review.
	if alert.Severity.MoreUrgent(best.Severity) {
		best.Timeline = append(best.Timeline, model.IncidentEvent{
			ID:        ulid.Make().String(),
			Kind:      model.EventSeverityChanged,
			Actor:     model.SystemActor,
			Timestamp: alert.ReceivedAt,
			Payload: map[string]interface{}{
				"candidate": true,
				"current":   string(best.Severity),
				"observed":  string(alert.Severity),
			},
		})
	}

	reopened := false
	if reopenCandidate {
		best.State = model.StateInvestigating
		best.ResolvedAt = nil
		reopened = true
		best.Timeline = append(best.Timeline, model.IncidentEvent{
			ID:        ulid.Make().String(),
			Kind:      model.EventReopened,
			Actor:     model.SystemActor,
			Timestamp: alert.ReceivedAt,
		})
	}

	if _, err := e.store.Save(ctx, best); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save merged incident", err)
	}

	return &Decision{Incident: best, Merged: true, Reopened: reopened, Fingerprint: fp}, nil
}

// pickCandidate selects the most recent non-terminal candidate within the
// window, or a resolved candidate within the reopen window. It returns nil
// when nothing qualifies, signalling "create new".
func (e *Engine) pickCandidate(alert *model.Alert, candidates []*model.Incident) (*model.Incident, bool) {
	window := time.Duration(e.cfg.WindowSecs) * time.Second
	var best *model.Incident
	reopen := false

	for _, c := range candidates {
		delta := alert.ReceivedAt.Sub(c.UpdatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		if !c.State.Terminal() {
			if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
				best = c
				reopen = false
			}
			continue
		}
		if e.cfg.ReopenWindowSecs <= 0 {
			continue
		}
		reopenWindow := time.Duration(e.cfg.ReopenWindowSecs) * time.Second
		if delta > reopenWindow {
			continue
		}
		if best == nil || (reopen && c.UpdatedAt.After(best.UpdatedAt)) {
			best = c
			reopen = true
		}
	}
	return best, reopen
}

// NewIncidentFromAlert builds a fresh Incident from an alert and its
// computed fingerprint. It is the NewIncidentFunc callers pass to New (New
// itself sets no default), and is also exported so callers that bypass the engine entirely (the
// processor's own store-failure fallback, per spec.md §4.2 "Failure
// semantics") construct incidents exactly the same way.
func NewIncidentFromAlert(alert *model.Alert, fingerprint string) *model.Incident {
	now := alert.ReceivedAt
	return &model.Incident{
		ID:                ulid.Make().String(),
		Title:             alert.Title,
		Description:       alert.Description,
		Severity:          alert.Severity,
		Type:              alert.Type,
		State:             model.StateDetected,
		Source:            alert.Source,
		CreatedAt:         now,
		UpdatedAt:         now,
		AffectedResources: append([]string(nil), alert.AffectedServices...),
		Labels:            alert.Labels,
		Metadata:          alert.Annotations,
		Fingerprint:       fingerprint,
		Timeline: []model.IncidentEvent{{
			ID:        ulid.Make().String(),
			Kind:      model.EventCreated,
			Actor:     model.SystemActor,
			Timestamp: now,
			Payload: map[string]interface{}{
				"alertExternalId": alert.ExternalID,
				"source":          alert.Source,
			},
		}},
	}
}

// fingerprintLocks hands out one *sync.Mutex per fingerprint, the same
// concurrent-map discipline the store and subscription bus use elsewhere in
// this codebase, so Process serializes without ever sharing one caller's
// Decision with another. Entries are reference-counted and removed once the
// last waiter releases, so the map stays bounded by in-flight fingerprints
// rather than growing with total fingerprints ever seen.
type fingerprintLocks struct {
	mu    sync.Mutex
	locks map[string]*fingerprintLock
}

type fingerprintLock struct {
	mu  sync.Mutex
	ref int
}

func (f *fingerprintLocks) lock(key string) func() {
	f.mu.Lock()
	if f.locks == nil {
		f.locks = make(map[string]*fingerprintLock)
	}
	l, ok := f.locks[key]
	if !ok {
		l = &fingerprintLock{}
		f.locks[key] = l
	}
	l.ref++
	f.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.mu.Lock()
		l.ref--
		if l.ref == 0 {
			delete(f.locks, key)
		}
		f.mu.Unlock()
	}
}

func widenAffectedResources(in *model.Incident, observed []string) {
	existing := make(map[string]struct{}, len(in.AffectedResources))
	for _, r := range in.AffectedResources {
		existing[r] = struct{}{}
	}
	for _, r := range observed {
		if _, ok := existing[r]; !ok {
			in.AffectedResources = append(in.AffectedResources, r)
			existing[r] = struct{}{}
		}
	}
}
