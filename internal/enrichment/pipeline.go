package enrichment

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// PipelineConfig configures a Pipeline (spec.md §6.4 enrichment.*).
type PipelineConfig struct {
	Config
	MaxConcurrent     int
	PerEnricherTimeout time.Duration
	CacheTTL          time.Duration
}

// Pipeline runs the registered enrichers against incidents and maintains
// the per-incident result cache of spec.md §4.4.
type Pipeline struct {
	enrichers []Enricher
	cfg       PipelineConfig
	cache     *cache
	stop      chan struct{}
}

// New constructs a Pipeline. Call Run in a goroutine to start the cache
// purge loop.
func New(enrichers []Enricher, cfg PipelineConfig) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PerEnricherTimeout <= 0 {
		cfg.PerEnricherTimeout = 5 * time.Second
	}
	enabled := make([]Enricher, 0, len(enrichers))
	for _, e := range enrichers {
		if e.Enabled(cfg.Config) {
			enabled = append(enabled, e)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Priority() < enabled[j].Priority() })
	return &Pipeline{
		enrichers: enabled,
		cfg:       cfg,
		cache:     newCache(cfg.CacheTTL),
		stop:      make(chan struct{}),
	}
}

// Run blocks, purging the cache every 60s, until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.cache.runPurgeLoop(p.stop)
		close(done)
	}()
	<-ctx.Done()
	close(p.stop)
	<-done
}

// Enrich returns the cached context if present and fresh, otherwise runs
// the pipeline and caches the result.
func (p *Pipeline) Enrich(ctx context.Context, incident *model.Incident) (*model.EnrichedContext, error) {
	if cached, ok := p.cache.get(incident.ID); ok {
		return cached, nil
	}

	start := time.Now()
	var result *model.EnrichedContext
	var err error
	if p.cfg.MaxConcurrent >= 2 {
		result, err = p.runParallel(ctx, incident)
	} else {
		result, err = p.runSequential(ctx, incident)
	}
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.EnrichmentUnavailable, "enrichment pipeline", err)
	}
	result.DurationMillis = time.Since(start).Milliseconds()
	result.EnrichedAt = time.Now()

	p.cache.set(incident.ID, result)
	return result, nil
}

// runSequential runs enrichers in ascending priority order, per spec.md
// §4.4 "Sequential". Each enricher works on a copy of the shared context
// (so it sees earlier results), and a successful copy is merged back with
// mergeContext, so an earlier (lower-priority) enricher's fields win
// conflicts exactly as in runParallel.
func (p *Pipeline) runSequential(ctx context.Context, incident *model.Incident) (*model.EnrichedContext, error) {
	shared := &model.EnrichedContext{}
	for _, e := range p.enrichers {
		scratch := *shared
		if shared.Metadata != nil {
			scratch.Metadata = make(map[string]string, len(shared.Metadata))
			for k, v := range shared.Metadata {
				scratch.Metadata[k] = v
			}
		}
		eCtx, cancel := context.WithTimeout(ctx, p.cfg.PerEnricherTimeout)
		err := e.Enrich(eCtx, incident, &scratch, p.cfg.Config)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("enricher", e.Name()).Msg("enricher failed, skipping")
			shared.FailedEnrichers = append(shared.FailedEnrichers, e.Name())
			continue
		}
		shared.SuccessfulEnrichers = append(shared.SuccessfulEnrichers, e.Name())
		mergeContext(shared, &scratch)
	}
	return shared, nil
}

// runParallel runs each enricher against its own scratch context, bounded
// by MaxConcurrent, then merges successful scratch contexts in priority
// order (lower priority wins on conflict), per spec.md §4.4 "Parallel".
func (p *Pipeline) runParallel(ctx context.Context, incident *model.Incident) (*model.EnrichedContext, error) {
	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	type outcome struct {
		enricher Enricher
		scratch  *model.EnrichedContext
		err      error
	}
	results := make([]outcome, len(p.enrichers))
	var mu sync.Mutex

	for i, e := range p.enrichers {
		i, e := i, e
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			scratch := &model.EnrichedContext{}
			eCtx, cancel := context.WithTimeout(gctx, p.cfg.PerEnricherTimeout)
			defer cancel()
			err := e.Enrich(eCtx, incident, scratch, p.cfg.Config)
			mu.Lock()
			results[i] = outcome{enricher: e, scratch: scratch, err: err}
			mu.Unlock()
			return nil // individual enricher failures never abort the group
		})
	}
	_ = g.Wait()

	merged := &model.EnrichedContext{}
	for _, r := range results {
		if r.enricher == nil {
			continue
		}
		if r.err != nil {
			log.Warn().Err(r.err).Str("enricher", r.enricher.Name()).Msg("enricher failed, skipping")
			merged.FailedEnrichers = append(merged.FailedEnrichers, r.enricher.Name())
			continue
		}
		merged.SuccessfulEnrichers = append(merged.SuccessfulEnrichers, r.enricher.Name())
		mergeContext(merged, r.scratch)
	}
	return merged, nil
}

// mergeContext copies any field src sets that dst doesn't already have.
// Enrichers run in priority order, so the first writer for a field wins.
func mergeContext(dst, src *model.EnrichedContext) {
	if dst.Historical == nil {
		dst.Historical = src.Historical
	}
	if dst.Service == nil {
		dst.Service = src.Service
	}
	if dst.Team == nil {
		dst.Team = src.Team
	}
	if dst.Metrics == nil {
		dst.Metrics = src.Metrics
	}
	if dst.Logs == nil {
		dst.Logs = src.Logs
	}
	if src.Metadata != nil {
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]string, len(src.Metadata))
		}
		for k, v := range src.Metadata {
			if _, exists := dst.Metadata[k]; !exists {
				dst.Metadata[k] = v
			}
		}
	}
}
