// Package store owns the canonical Incident index described in spec.md
// §4.1. Two backends satisfy the same Store interface: Memory (concurrent
// maps, the default) and SQLite (an embedded persistent backend). Both
// serialize writes per incident id and keep a fingerprint index in sync
// inside the same critical section as the primary write, the same
// lock-ordering discipline the teacher's alerts.Manager documents between
// its primary and secondary locks.
package store

import (
	"context"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

// Store is the capability every backend implements.
type Store interface {
	// Save upserts an incident. It returns the previous version if one
	// existed, nil otherwise.
	Save(ctx context.Context, incident *model.Incident) (*model.Incident, error)

	// Get returns a copy of the incident; ok is false if absent. Reads are
	// not lock-free: Memory takes its shared read lock, SQLite runs a query.
	Get(ctx context.Context, id string) (incident *model.Incident, ok bool, err error)

	// List returns incidents matching filter, newest-first, paginated.
	List(ctx context.Context, filter model.Filter, offset, limit int) ([]*model.Incident, error)

	// Count returns the number of incidents matching filter.
	Count(ctx context.Context, filter model.Filter) (uint64, error)

	// LookupByFingerprint is the dedup engine's hot path; implementations
	// must keep it O(1) average.
	LookupByFingerprint(ctx context.Context, fingerprint string) ([]*model.Incident, error)

	// AppendEvent atomically appends an event to an incident's timeline.
	AppendEvent(ctx context.Context, id string, event model.IncidentEvent) error

	// ApplyTransition validates the edge against the lifecycle graph,
	// updates UpdatedAt, appends a StateChanged event, and sets ResolvedAt
	// when transitioning into Resolved/Closed.
	ApplyTransition(ctx context.Context, id string, newState model.State, actor string) (*model.Incident, error)
}

// now is overridable in tests.
var now = time.Now
