// Package enrichment attaches contextual information to incidents, per
// spec.md §4.4.
package enrichment

import (
	"context"

	"github.com/rcourtman/sentineld/internal/model"
)

// Enricher is the contract every enrichment source implements. Enrichers
// mutate the EnrichedContext they're handed; they must be pure aside from
// whatever external I/O they declare.
type Enricher interface {
	Name() string
	Enabled(cfg Config) bool
	Priority() int // lower runs first, and wins merge conflicts
	Enrich(ctx context.Context, incident *model.Incident, scratch *model.EnrichedContext, cfg Config) error
}

// Config bundles pipeline-wide tunables enrichers may consult.
type Config struct {
	SimilarityThreshold float64
	TopK                int
	PerEnricherTimeout  int // seconds
}
