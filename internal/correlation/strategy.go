// Package correlation groups related incidents to reduce operator fatigue,
// per spec.md §4.3. Each strategy scores a pair of incidents independently;
// the Engine combines candidate strategies, resolves ties, and maintains
// CorrelationGroup membership.
package correlation

import (
	"math"
	"strings"
	"time"

	"github.com/rcourtman/sentineld/internal/model"
)

// Strategy scores a relationship between two incidents. It returns ok=false
// when the strategy has no opinion about the pair (spec.md's "Option<Correlation>").
type Strategy interface {
	Type() model.CorrelationType
	Score(a, b *model.Incident, cfg Config) (score float64, reason string, ok bool)
}

// TopologyGraph is the injected dependency graph the Topology strategy
// consults (spec.md §4.3: "graph is an injected interface").
type TopologyGraph interface {
	// HopsBetween returns the shortest number of hops connecting two
	// service names, or ok=false if they are not connected at all.
	HopsBetween(serviceA, serviceB string) (hops int, ok bool)
}

// Config bundles the tunables every strategy needs.
type Config struct {
	TemporalWindow time.Duration
	MinScore       float64
	TopologyMaxHop int
	Graph          TopologyGraph
}

type temporalStrategy struct{}

func (temporalStrategy) Type() model.CorrelationType { return model.CorrelationTemporal }

func (temporalStrategy) Score(a, b *model.Incident, cfg Config) (float64, string, bool) {
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	window := cfg.TemporalWindow
	if window <= 0 || delta > window {
		return 0, "", false
	}
	score := math.Exp(-(3.0 / window.Seconds()) * delta.Seconds())
	return score, "created within temporal window", true
}

type patternStrategy struct{}

func (patternStrategy) Type() model.CorrelationType { return model.CorrelationPattern }

func (patternStrategy) Score(a, b *model.Incident, _ Config) (float64, string, bool) {
	titleJ := jaccard(tokenize(a.Title), tokenize(b.Title))
	descJ := jaccard(tokenize(a.Description), tokenize(b.Description))
	score := 0.6*titleJ + 0.3*descJ
	if a.Severity == b.Severity {
		score += 0.1
	}
	if a.Type == b.Type {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	if score <= 0 {
		return 0, "", false
	}
	return score, "title/description token overlap", true
}

type sourceStrategy struct{}

func (sourceStrategy) Type() model.CorrelationType { return model.CorrelationSource }

func (sourceStrategy) Score(a, b *model.Incident, cfg Config) (float64, string, bool) {
	if a.Source == "" || a.Source != b.Source {
		return 0, "", false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	if cfg.TemporalWindow > 0 && delta > cfg.TemporalWindow {
		return 0, "", false
	}
	return 1.0, "same source within window", true
}

type fingerprintStrategy struct{}

func (fingerprintStrategy) Type() model.CorrelationType { return model.CorrelationFingerprint }

func (fingerprintStrategy) Score(a, b *model.Incident, _ Config) (float64, string, bool) {
	if a.Fingerprint == "" || a.Fingerprint != b.Fingerprint {
		return 0, "", false
	}
	return 1.0, "identical fingerprint outside dedup window", true
}

type topologyStrategy struct{}

func (topologyStrategy) Type() model.CorrelationType { return model.CorrelationTopology }

func (topologyStrategy) Score(a, b *model.Incident, cfg Config) (float64, string, bool) {
	if cfg.Graph == nil {
		return 0, "", false
	}
	maxHop := cfg.TopologyMaxHop
	if maxHop <= 0 {
		maxHop = 1
	}
	for _, sa := range a.AffectedResources {
		for _, sb := range b.AffectedResources {
			hops, ok := cfg.Graph.HopsBetween(sa, sb)
			if !ok || hops > maxHop {
				hops, ok = cfg.Graph.HopsBetween(sb, sa)
			}
			if ok && hops <= maxHop {
				return 1.0, "services connected within topology", true
			}
		}
	}
	return 0, "", false
}

// combinedStrategy runs the four weighted sub-strategies and blends them,
// per spec.md §4.3 "Combined".
type combinedStrategy struct{}

func (combinedStrategy) Type() model.CorrelationType { return model.CorrelationCombined }

func (combinedStrategy) Score(a, b *model.Incident, cfg Config) (float64, string, bool) {
	var sum float64
	signals := 0

	if s, _, ok := (temporalStrategy{}).Score(a, b, cfg); ok {
		sum += 0.3 * s
		signals++
	}
	if s, _, ok := (patternStrategy{}).Score(a, b, cfg); ok {
		sum += 0.3 * s
		signals++
	}
	if s, _, ok := (sourceStrategy{}).Score(a, b, cfg); ok {
		sum += 0.2 * s
		signals++
	}
	if s, _, ok := (fingerprintStrategy{}).Score(a, b, cfg); ok {
		sum += 0.2 * s
		signals++
	}

	if signals == 0 {
		return 0, "", false
	}
	if signals >= 2 {
		sum *= 1.2
	}
	if sum > 1.0 {
		sum = 1.0
	}
	return sum, "multiple correlated signals", true
}

// DefaultStrategies returns the six strategies spec.md §4.3 names, in a
// fixed order matching their tie-break precedence.
func DefaultStrategies() []Strategy {
	return []Strategy{
		combinedStrategy{},
		fingerprintStrategy{},
		sourceStrategy{},
		patternStrategy{},
		temporalStrategy{},
		topologyStrategy{},
	}
}

func tokenize(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
