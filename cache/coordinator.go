package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// KeyValue pairs a logical key with its cached value.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// GetOptions controls a read. Skip excludes tiers from the lookup.
type GetOptions struct {
	Skip Level
}

// SetOptions controls a write. A zero Level means all tiers; a zero TTL
// means each tier's configured default. Compress forces disk compression
// regardless of the size threshold.
type SetOptions struct {
	Level    Level
	TTL      time.Duration
	Compress bool
}

// DeleteOptions controls a delete. A zero Level means all tiers.
type DeleteOptions struct {
	Level Level
}

// GetResult is the outcome of a Get.
type GetResult struct {
	Value    any
	Hit      bool
	Source   TierName
	Duration time.Duration
}

// SetResult is the outcome of a Set. Operations counts the tiers that
// accepted the write; Success means at least one did.
type SetResult struct {
	Success    bool
	Operations int
	Duration   time.Duration
}

// DeleteResult is the outcome of a Delete. Operations counts the tiers that
// processed the delete without error.
type DeleteResult struct {
	Success    bool
	Operations int
}

// GetOrSetResult is the outcome of a GetOrSet. FromCache distinguishes a
// cached value from one produced by the fetch function; FetchTime is zero on
// a cache hit.
type GetOrSetResult struct {
	Value     any
	Hit       bool
	FromCache bool
	FetchTime time.Duration
}

// PrefixResult is the outcome of a GetByPrefix.
type PrefixResult struct {
	Results []KeyValue
	Count   int
}

// InvalidateResult is the outcome of an InvalidateByPattern.
type InvalidateResult struct {
	Success bool
	Deleted int
}

// ClearResult is the outcome of a Clear. Cleared counts removed entries
// across the selected tiers.
type ClearResult struct {
	Success bool
	Cleared int
}

// Coordinator orchestrates reads and writes across the configured tiers.
// Callers hold an explicit Coordinator handle; there is no package-level
// instance. All operations are best-effort: a tier outage degrades the
// cache (more misses, fewer replicas of each write) but never fails the
// caller. A coordinator with every optional tier down behaves as a pure
// pass-through on the memory tier alone.
type Coordinator struct {
	id  string
	log zerolog.Logger
	cfg Config

	memory      *memoryTier
	distributed *distributedTier
	disk        *diskTier

	// tiers holds the enabled tiers fastest-first; reads walk it forward,
	// backfill walks it backward from the serving tier.
	tiers []Tier

	metrics collector
	flight  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

// New builds a Coordinator from cfg. The memory tier is always on; the
// distributed and disk tiers are built only when enabled, and each falls
// back to disabled on a startup failure rather than failing construction.
func New(parent context.Context, cfg Config, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	id := uuid.NewString()
	log := o.logger.With().Str("component", "tiercache").Str("cache_id", id).Logger()

	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		id:     id,
		log:    log,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	c.memory = newMemoryTier(ctx, cfg.Memory)
	c.tiers = []Tier{c.memory}
	if cfg.Distributed.Enabled {
		c.distributed = newDistributedTier(ctx, cfg.Distributed, o.redisClient, log)
		c.tiers = append(c.tiers, c.distributed)
	}
	if cfg.Disk.Enabled {
		c.disk = newDiskTier(cfg.Disk, log)
		c.tiers = append(c.tiers, c.disk)
	}

	c.wg.Add(1)
	go c.snapshotLoop()

	log.Debug().
		Bool("distributed", c.distributed != nil).
		Bool("disk", c.disk != nil).
		Msg("cache coordinator started")
	return c
}

// ID returns the coordinator's instance id, as carried in its log context.
func (c *Coordinator) ID() string { return c.id }

// selected returns the enabled tiers matched by level, fastest-first.
func (c *Coordinator) selected(level Level) []Tier {
	if level == 0 {
		level = LevelAll
	}
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		if level.Has(levelOf(t.Name())) {
			out = append(out, t)
		}
	}
	return out
}

// Get looks key up tier by tier, fastest first. A hit in a slower tier is
// written back to every faster tier with that tier's default TTL (read
// repair), so cross-tier coherence is eventual rather than transactional.
func (c *Coordinator) Get(ctx context.Context, key string, opts GetOptions) GetResult {
	start := time.Now()
	if c.closed.Load() {
		return GetResult{Duration: time.Since(start)}
	}
	for i, t := range c.tiers {
		if opts.Skip.Has(levelOf(t.Name())) || !t.Available() {
			continue
		}
		value, ok, err := t.Get(ctx, key)
		if err != nil {
			c.metrics.tierError(t.Name(), "get")
			continue
		}
		if !ok {
			continue
		}
		c.metrics.hit(t.Name())
		c.backfill(ctx, key, value, i)
		return GetResult{Value: value, Hit: true, Source: t.Name(), Duration: time.Since(start)}
	}
	c.metrics.miss()
	return GetResult{Duration: time.Since(start)}
}

// backfill copies a value served by tiers[source] into every faster tier.
func (c *Coordinator) backfill(ctx context.Context, key string, value any, source int) {
	for _, t := range c.tiers[:source] {
		if !t.Available() {
			continue
		}
		if err := t.Set(ctx, key, value, 0); err != nil {
			c.metrics.tierError(t.Name(), "backfill")
			c.log.Debug().Err(err).Str("key", key).Str("tier", string(t.Name())).Msg("backfill failed")
		}
	}
}

// Set writes key to every selected, available tier. Tier writes are issued
// concurrently and independently: one tier's failure neither fails the
// others nor the operation, as long as at least one tier accepts it.
func (c *Coordinator) Set(ctx context.Context, key string, value any, opts SetOptions) SetResult {
	start := time.Now()
	if c.closed.Load() {
		return SetResult{Duration: time.Since(start)}
	}
	c.metrics.set()

	var written atomic.Int64
	var g errgroup.Group
	for _, t := range c.selected(opts.Level) {
		t := t
		if !t.Available() {
			continue
		}
		g.Go(func() error {
			var err error
			if d, ok := t.(*diskTier); ok {
				err = d.SetCompressed(ctx, key, value, opts.TTL, opts.Compress)
			} else {
				err = t.Set(ctx, key, value, opts.TTL)
			}
			if err != nil {
				c.metrics.tierError(t.Name(), "set")
				c.log.Debug().Err(err).Str("key", key).Str("tier", string(t.Name())).Msg("tier write failed")
				return nil
			}
			written.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(written.Load())
	return SetResult{Success: n > 0, Operations: n, Duration: time.Since(start)}
}

// Delete removes key from every selected tier, tolerating per-tier failure.
func (c *Coordinator) Delete(ctx context.Context, key string, opts DeleteOptions) DeleteResult {
	if c.closed.Load() {
		return DeleteResult{}
	}
	c.metrics.delete()

	var processed atomic.Int64
	var g errgroup.Group
	for _, t := range c.selected(opts.Level) {
		t := t
		if !t.Available() {
			continue
		}
		g.Go(func() error {
			if _, err := t.Delete(ctx, key); err != nil {
				c.metrics.tierError(t.Name(), "delete")
				c.log.Debug().Err(err).Str("key", key).Str("tier", string(t.Name())).Msg("tier delete failed")
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(processed.Load())
	return DeleteResult{Success: n > 0, Operations: n}
}

// GetOrSet returns the cached value for key, or invokes fetch on a miss and
// populates the cache with its result. Concurrent callers racing on the same
// missing key share a single fetch; the value is fetched exactly once per
// miss. A fetch error is the caller's error and is returned as-is; nothing
// is cached. Cache write failures after a successful fetch are swallowed —
// the caller got their value.
func (c *Coordinator) GetOrSet(ctx context.Context, key string, fetch func(context.Context) (any, error), opts SetOptions) (GetOrSetResult, error) {
	if c.closed.Load() {
		return GetOrSetResult{}, ErrClosed
	}
	res := c.Get(ctx, key, GetOptions{})
	if res.Hit {
		return GetOrSetResult{Value: res.Value, Hit: true, FromCache: true}, nil
	}

	start := time.Now()
	value, err, _ := c.flight.Do(key, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, v, opts)
		return v, nil
	})
	fetchTime := time.Since(start)
	if err != nil {
		return GetOrSetResult{FetchTime: fetchTime}, err
	}
	return GetOrSetResult{Value: value, FetchTime: fetchTime}, nil
}

// GetByPrefix returns the entries whose keys contain prefix, from the first
// tier that has any: memory first, then the distributed tier's pattern
// listing. Results are not merged across tiers.
func (c *Coordinator) GetByPrefix(ctx context.Context, prefix string) PrefixResult {
	if c.closed.Load() {
		return PrefixResult{}
	}
	keys, _ := c.memory.KeysByPrefix(ctx, prefix)
	var source Tier = c.memory
	if len(keys) == 0 && c.distributed != nil && c.distributed.Available() {
		var err error
		keys, err = c.distributed.KeysByPrefix(ctx, prefix)
		if err != nil {
			c.metrics.tierError(TierDistributed, "keys")
			return PrefixResult{}
		}
		source = c.distributed
	}
	results := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		value, ok, err := source.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		results = append(results, KeyValue{Key: k, Value: value})
	}
	return PrefixResult{Results: results, Count: len(results)}
}

// InvalidateByPattern deletes every key matching pattern (a Go regular
// expression) from every tier and returns the total deleted. The memory and
// disk tiers match logical keys against the pattern directly; the
// distributed tier enumerates candidates with a derived backend glob and
// re-checks them. Best-effort: a tier failure is logged, not fatal.
func (c *Coordinator) InvalidateByPattern(ctx context.Context, pattern string) InvalidateResult {
	if c.closed.Load() {
		return InvalidateResult{}
	}
	m, err := CompileMatch(pattern)
	if err != nil {
		c.log.Warn().Err(err).Str("pattern", pattern).Msg("invalidation pattern rejected")
		return InvalidateResult{}
	}

	var deleted atomic.Int64
	var g errgroup.Group
	for _, t := range c.tiers {
		t := t
		if !t.Available() {
			continue
		}
		g.Go(func() error {
			n, err := t.DeleteMatching(ctx, m)
			deleted.Add(int64(n))
			if err != nil {
				c.metrics.tierError(t.Name(), "invalidate")
				c.log.Warn().Err(err).Str("tier", string(t.Name())).Str("pattern", pattern).Msg("tier invalidation failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(deleted.Load())
	c.log.Debug().Str("pattern", pattern).Int("deleted", n).Msg("pattern invalidation complete")
	return InvalidateResult{Success: true, Deleted: n}
}

// Clear flushes the selected tiers entirely.
func (c *Coordinator) Clear(ctx context.Context, level Level) ClearResult {
	if c.closed.Load() {
		return ClearResult{}
	}
	var cleared atomic.Int64
	var failed atomic.Bool
	var g errgroup.Group
	for _, t := range c.selected(level) {
		t := t
		if !t.Available() {
			continue
		}
		g.Go(func() error {
			n, err := t.Clear(ctx)
			cleared.Add(int64(n))
			if err != nil {
				failed.Store(true)
				c.metrics.tierError(t.Name(), "clear")
				c.log.Warn().Err(err).Str("tier", string(t.Name())).Msg("tier clear failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ClearResult{Success: !failed.Load(), Cleared: int(cleared.Load())}
}

// Stats returns a synchronous snapshot of the counters and per-tier status.
func (c *Coordinator) Stats(ctx context.Context) Stats {
	counters := c.metrics.snapshot()
	stats := Stats{
		Counters: counters,
		HitRate:  counters.hitRate(),
	}
	for _, name := range []TierName{TierMemory, TierDistributed, TierDisk} {
		status := TierStatus{Name: name}
		if t := c.tier(name); t != nil {
			status.Enabled = true
			status.Available = t.Available()
			status.Entries = t.Entries(ctx)
		}
		stats.Tiers = append(stats.Tiers, status)
	}
	return stats
}

func (c *Coordinator) tier(name TierName) Tier {
	for _, t := range c.tiers {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// refreshGauges mirrors per-tier entry counts into the exported gauges.
// Only the snapshot loop calls it; Stats itself stays a pure read.
func (c *Coordinator) refreshGauges(stats Stats) {
	for _, ts := range stats.Tiers {
		if ts.Enabled {
			promEntries.WithLabelValues(string(ts.Name)).Set(float64(ts.Entries))
		}
	}
}

// snapshotLoop periodically logs aggregate cache health.
func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			stats := c.Stats(c.ctx)
			c.refreshGauges(stats)
			ev := c.log.Info().
				Uint64("hits", stats.Counters.Hits).
				Uint64("misses", stats.Counters.Misses).
				Uint64("sets", stats.Counters.Sets).
				Uint64("deletes", stats.Counters.Deletes).
				Uint64("errors", stats.Counters.Errors).
				Float64("hit_rate", stats.HitRate).
				Uint64("rss_bytes", processRSS())
			for _, ts := range stats.Tiers {
				if ts.Enabled {
					ev = ev.Int(string(ts.Name)+"_entries", ts.Entries)
				}
			}
			ev.Msg("cache snapshot")
		}
	}
}

// Close shuts the coordinator and its tiers down. Safe to call more than
// once.
func (c *Coordinator) Close() error {
	var firstErr error
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		for _, t := range c.tiers {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// GetAs retrieves a typed value. The bool reports whether the key was
// present and the value had (or could be converted to) the requested type.
// Values served from serialized tiers come back as generic JSON shapes;
// structs are recovered by a round trip through their JSON form.
func GetAs[T any](ctx context.Context, c *Coordinator, key string) (T, bool) {
	res := c.Get(ctx, key, GetOptions{})
	if !res.Hit {
		var zero T
		return zero, false
	}
	if typed, ok := res.Value.(T); ok {
		return typed, true
	}
	var out T
	if remarshal(res.Value, &out) {
		return out, true
	}
	var zero T
	return zero, false
}

// remarshal converts a generic JSON shape into a concrete type via its JSON
// form.
func remarshal(v any, dst any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}
