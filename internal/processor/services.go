// Package processor wires the eight core components — dedup, store,
// correlation, enrichment, escalation, notifications, ML classification,
// and the subscription bus — into the single pipeline described in
// spec.md §2's data-flow paragraph. Per spec.md §9 "Global singletons",
// every dependency is collected into one explicit Services aggregate
// passed to the Processor at construction; there are no package-level
// ambient handles.
package processor

import (
	"github.com/rcourtman/sentineld/internal/correlation"
	"github.com/rcourtman/sentineld/internal/dedup"
	"github.com/rcourtman/sentineld/internal/enrichment"
	"github.com/rcourtman/sentineld/internal/escalation"
	"github.com/rcourtman/sentineld/internal/mlclassify"
	"github.com/rcourtman/sentineld/internal/notifications"
	"github.com/rcourtman/sentineld/internal/store"
	"github.com/rcourtman/sentineld/internal/subscription"
)

// Services aggregates every component the Processor drives. Fields other
// than Store, Dedup, and Subscriptions may be nil, in which case the
// Processor skips that stage per the optional-subsystem failure semantics
// of spec.md §7 (EnrichmentUnavailable / MLUnavailable / CorrelationUnavailable
// never propagate to alert ingestion).
type Services struct {
	Store         store.Store
	Dedup         *dedup.Engine
	Correlation   *correlation.Engine
	Enrichment    *enrichment.Pipeline
	Escalation    *escalation.Engine
	Notifications *notifications.Dispatcher
	ML            *mlclassify.Service
	Subscriptions *subscription.Bus
}

// Config bundles processor-level tunables that aren't owned by any single
// component.
type Config struct {
	MinMLConfidence float64
}

// Processor orchestrates the pipeline of spec.md §2: ingested Alert →
// Deduplication → ML → Enrichment → Correlation → Notification/Escalation
// → Subscription bus. Lifecycle commands (update, acknowledge, resolve)
// re-enter at the state machine and emit further events through the same
// Services.
type Processor struct {
	svc Services
	cfg Config
}

// New constructs a Processor over svc. svc.Store, svc.Dedup, and
// svc.Subscriptions must be non-nil; the rest are optional subsystems.
func New(svc Services, cfg Config) *Processor {
	if cfg.MinMLConfidence <= 0 {
		cfg.MinMLConfidence = 0.6
	}
	return &Processor{svc: svc, cfg: cfg}
}
