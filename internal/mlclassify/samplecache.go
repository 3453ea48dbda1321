package mlclassify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SampleCache holds the FIFO-by-recency training-sample cache of spec.md
// §5 "Resource budgets". When a Redis address is configured it persists
// samples there (sourced from the kubernaut/goa-ai example stacks for
// this concern); otherwise it falls back to an in-process ring buffer so
// the service remains usable standalone.
type SampleCache struct {
	capacity int

	redis    *redis.Client
	redisKey string

	mu      sync.Mutex
	ring    []Sample
	nextIdx int
	filled  bool
}

// NewSampleCache constructs a cache. Pass a nil client to use the
// in-process ring buffer exclusively.
func NewSampleCache(client *redis.Client, key string, capacity int) *SampleCache {
	if capacity <= 0 {
		capacity = 5000
	}
	return &SampleCache{
		capacity: capacity,
		redis:    client,
		redisKey: key,
		ring:     make([]Sample, 0, capacity),
	}
}

// Add appends a sample, evicting the oldest entry once at capacity.
func (c *SampleCache) Add(ctx context.Context, s Sample) {
	if c.redis != nil {
		c.addRedis(ctx, s)
		return
	}
	c.addLocal(s)
}

func (c *SampleCache) addLocal(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) < c.capacity {
		c.ring = append(c.ring, s)
		return
	}
	c.ring[c.nextIdx] = s
	c.nextIdx = (c.nextIdx + 1) % c.capacity
	c.filled = true
}

func (c *SampleCache) addRedis(ctx context.Context, s Sample) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Warn().Err(err).Msg("mlclassify: failed to marshal sample, falling back to local cache")
		c.addLocal(s)
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.LPush(ctx, c.redisKey, data)
	pipe.LTrim(ctx, c.redisKey, 0, int64(c.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("mlclassify: redis sample cache write failed, falling back to local cache")
		c.addLocal(s)
	}
}

// All returns every retained sample, oldest first.
func (c *SampleCache) All(ctx context.Context) []Sample {
	if c.redis != nil {
		return c.allRedis(ctx)
	}
	return c.allLocal()
}

func (c *SampleCache) allLocal() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filled {
		out := make([]Sample, len(c.ring))
		copy(out, c.ring)
		return out
	}
	out := make([]Sample, 0, len(c.ring))
	out = append(out, c.ring[c.nextIdx:]...)
	out = append(out, c.ring[:c.nextIdx]...)
	return out
}

func (c *SampleCache) allRedis(ctx context.Context) []Sample {
	raw, err := c.redis.LRange(ctx, c.redisKey, 0, -1).Result()
	if err != nil {
		log.Warn().Err(err).Msg("mlclassify: redis sample cache read failed, returning empty set")
		return nil
	}
	out := make([]Sample, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- { // LPush means newest-first; reverse to oldest-first
		var s Sample
		if err := json.Unmarshal([]byte(raw[i]), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
