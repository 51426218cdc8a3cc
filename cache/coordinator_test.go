package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCoordinator builds a coordinator with every tier backed by test
// infrastructure: miniredis for the distributed tier, a temp dir for disk.
func newTestCoordinator(t *testing.T, level Level) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	opts := []Option{}
	if level.Has(LevelDistributed) {
		_, client := newTestRedis(t)
		cfg.Distributed.Enabled = true
		cfg.Distributed.Prefix = "test"
		opts = append(opts, WithRedisClient(client))
	}
	if level.Has(LevelDisk) {
		cfg.Disk.Enabled = true
		cfg.Disk.Path = t.TempDir()
	}
	c := New(context.Background(), cfg, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWriteThenRead(t *testing.T) {
	c := newTestCoordinator(t, LevelAll)
	ctx := context.Background()

	set := c.Set(ctx, "product:1", "widget", SetOptions{})
	assert.True(t, set.Success)
	assert.Equal(t, 3, set.Operations)

	got := c.Get(ctx, "product:1", GetOptions{})
	assert.True(t, got.Hit)
	assert.Equal(t, "widget", got.Value)
	// The fastest tier that has the value serves it.
	assert.Equal(t, TierMemory, got.Source)
}

func TestDegradedModeMemoryOnly(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	set := c.Set(ctx, "k", "v", SetOptions{})
	assert.True(t, set.Success)
	assert.Equal(t, 1, set.Operations)

	got := c.Get(ctx, "k", GetOptions{})
	assert.True(t, got.Hit)
	assert.Equal(t, TierMemory, got.Source)

	del := c.Delete(ctx, "k", DeleteOptions{})
	assert.True(t, del.Success)
	assert.Equal(t, 1, del.Operations)
}

func TestBackfillFromDisk(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDisk)
	ctx := context.Background()

	// Populate only the slowest tier.
	set := c.Set(ctx, "report:stock", "rows", SetOptions{Level: LevelDisk})
	require.True(t, set.Success)
	require.Equal(t, 1, set.Operations)

	got := c.Get(ctx, "report:stock", GetOptions{})
	assert.True(t, got.Hit)
	assert.Equal(t, TierDisk, got.Source)

	// Read repair copied it into the memory tier.
	_, ok, _ := c.memory.Get(ctx, "report:stock")
	assert.True(t, ok)

	again := c.Get(ctx, "report:stock", GetOptions{})
	assert.Equal(t, TierMemory, again.Source)
}

func TestBackfillFromDistributed(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDistributed)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "v", SetOptions{Level: LevelDistributed}).Success)

	got := c.Get(ctx, "k", GetOptions{})
	assert.True(t, got.Hit)
	assert.Equal(t, TierDistributed, got.Source)
	assert.Equal(t, 1, c.memory.Entries(ctx))
}

func TestSkipTier(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	c.Set(ctx, "k", "v", SetOptions{})
	got := c.Get(ctx, "k", GetOptions{Skip: LevelMemory})
	assert.False(t, got.Hit)
}

func TestDeletePropagation(t *testing.T) {
	c := newTestCoordinator(t, LevelAll)
	ctx := context.Background()

	require.Equal(t, 3, c.Set(ctx, "k", "v", SetOptions{}).Operations)

	del := c.Delete(ctx, "k", DeleteOptions{})
	assert.True(t, del.Success)
	assert.Equal(t, 3, del.Operations)

	// Every tier misses afterward, not just the fastest.
	for _, tier := range c.tiers {
		_, ok, err := tier.Get(ctx, "k")
		assert.NoError(t, err)
		assert.False(t, ok, "tier %s still has the key", tier.Name())
	}
}

func TestDeleteSelectedLevelOnly(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDisk)
	ctx := context.Background()

	c.Set(ctx, "k", "v", SetOptions{})
	del := c.Delete(ctx, "k", DeleteOptions{Level: LevelMemory})
	assert.Equal(t, 1, del.Operations)

	// Still served from disk, and repaired back into memory.
	got := c.Get(ctx, "k", GetOptions{})
	assert.True(t, got.Hit)
	assert.Equal(t, TierDisk, got.Source)
}

func TestGetOrSetFetchesOnceThenCaches(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return "fetched", nil
	}

	res, err := c.GetOrSet(ctx, "k", fetch, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fetched", res.Value)
	assert.False(t, res.FromCache)
	assert.False(t, res.Hit)

	res, err = c.GetOrSet(ctx, "k", fetch, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fetched", res.Value)
	assert.True(t, res.FromCache)
	assert.True(t, res.Hit)
	assert.Zero(t, res.FetchTime)

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrSetSingleFlight(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "shared", nil
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.GetOrSet(ctx, "hot", fetch, SetOptions{})
			assert.NoError(t, err)
			assert.Equal(t, "shared", res.Value)
		}()
	}
	close(start)
	wg.Wait()

	// Concurrent callers racing on the same missing key share one fetch.
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrSetFetchErrorNotCached(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	boom := errors.New("db down")
	_, err := c.GetOrSet(ctx, "k", func(context.Context) (any, error) {
		return nil, boom
	}, SetOptions{})
	assert.ErrorIs(t, err, boom)

	assert.False(t, c.Get(ctx, "k", GetOptions{}).Hit)
}

func TestGetByPrefixMemoryFirst(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDistributed)
	ctx := context.Background()

	c.Set(ctx, "product:1", "a", SetOptions{})
	c.Set(ctx, "product:2", "b", SetOptions{})
	c.Set(ctx, "order:1", "c", SetOptions{})

	res := c.GetByPrefix(ctx, "product")
	assert.Equal(t, 2, res.Count)
	values := map[string]any{}
	for _, kv := range res.Results {
		values[kv.Key] = kv.Value
	}
	assert.Equal(t, map[string]any{"product:1": "a", "product:2": "b"}, values)
}

func TestGetByPrefixFallsBackToDistributed(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDistributed)
	ctx := context.Background()

	// Only the distributed tier holds the keys; memory has nothing.
	c.Set(ctx, "product:1", "a", SetOptions{Level: LevelDistributed})

	res := c.GetByPrefix(ctx, "product")
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "product:1", res.Results[0].Key)
	assert.Equal(t, "a", res.Results[0].Value)
}

func TestPatternInvalidationSelectivity(t *testing.T) {
	c := newTestCoordinator(t, LevelAll)
	ctx := context.Background()

	for _, k := range []string{"product:1", "product:2", "order:1"} {
		require.True(t, c.Set(ctx, k, "v", SetOptions{}).Success)
	}

	res := c.InvalidateByPattern(ctx, "^product:")
	assert.True(t, res.Success)
	// Two keys removed from each of the three tiers.
	assert.Equal(t, 6, res.Deleted)

	assert.False(t, c.Get(ctx, "product:1", GetOptions{}).Hit)
	assert.False(t, c.Get(ctx, "product:2", GetOptions{}).Hit)
	assert.True(t, c.Get(ctx, "order:1", GetOptions{}).Hit)
}

func TestInvalidateRejectsBadPattern(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	res := c.InvalidateByPattern(context.Background(), "([")
	assert.False(t, res.Success)
	assert.Zero(t, res.Deleted)
}

func TestClearSelectedTiers(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDisk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), "v", SetOptions{})
	}

	res := c.Clear(ctx, LevelMemory)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Cleared)
	assert.Equal(t, 0, c.memory.Entries(ctx))
	assert.Equal(t, 3, c.disk.Entries(ctx))

	res = c.Clear(ctx, LevelAll)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Cleared)
}

func TestStats(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	c.Set(ctx, "k", "v", SetOptions{})
	c.Get(ctx, "k", GetOptions{})    // hit
	c.Get(ctx, "gone", GetOptions{}) // miss
	c.Get(ctx, "k", GetOptions{})    // hit
	c.Delete(ctx, "k", DeleteOptions{})

	stats := c.Stats(ctx)
	assert.Equal(t, uint64(2), stats.Counters.Hits)
	assert.Equal(t, uint64(1), stats.Counters.Misses)
	assert.Equal(t, uint64(1), stats.Counters.Sets)
	assert.Equal(t, uint64(1), stats.Counters.Deletes)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)

	require.Len(t, stats.Tiers, 3)
	byName := map[TierName]TierStatus{}
	for _, ts := range stats.Tiers {
		byName[ts.Name] = ts
	}
	assert.True(t, byName[TierMemory].Enabled)
	assert.True(t, byName[TierMemory].Available)
	assert.False(t, byName[TierDistributed].Enabled)
	assert.False(t, byName[TierDisk].Enabled)
}

func TestStatsEmptyHitRate(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	assert.Zero(t, c.Stats(context.Background()).HitRate)
}

func TestGetAs(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory|LevelDisk)
	ctx := context.Background()

	type product struct {
		Name string `json:"name"`
		Qty  int    `json:"qty"`
	}

	// In-process: direct type assertion.
	c.Set(ctx, "direct", product{Name: "widget", Qty: 3}, SetOptions{Level: LevelMemory})
	got, ok := GetAs[product](ctx, c, "direct")
	assert.True(t, ok)
	assert.Equal(t, product{Name: "widget", Qty: 3}, got)

	// Through the serialization boundary: recovered from the generic form.
	c.Set(ctx, "stored", product{Name: "widget", Qty: 3}, SetOptions{Level: LevelDisk})
	got, ok = GetAs[product](ctx, c, "stored")
	assert.True(t, ok)
	assert.Equal(t, product{Name: "widget", Qty: 3}, got)

	_, ok = GetAs[product](ctx, c, "missing")
	assert.False(t, ok)
}

func TestOperationsAfterClose(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()
	require.NoError(t, c.Close())

	assert.False(t, c.Get(ctx, "k", GetOptions{}).Hit)
	assert.False(t, c.Set(ctx, "k", "v", SetOptions{}).Success)
	assert.False(t, c.Delete(ctx, "k", DeleteOptions{}).Success)

	// Close is idempotent.
	assert.NoError(t, c.Close())
}

func TestCollectorCounters(t *testing.T) {
	var col collector
	col.hit(TierMemory)
	col.hit(TierDisk)
	col.miss()
	col.set()
	col.delete()
	col.tierError(TierDisk, "set")

	snap := col.snapshot()
	assert.Equal(t, Counters{Hits: 2, Misses: 1, Sets: 1, Deletes: 1, Errors: 1}, snap)
	assert.InDelta(t, 2.0/3.0, snap.hitRate(), 1e-9)
}

func TestUnserializableValueStaysMiss(t *testing.T) {
	c := newTestCoordinator(t, LevelDisk)
	ctx := context.Background()

	// The serialized tiers refuse the write, so nothing is stored and a
	// later read is an honest miss rather than a nil hit.
	set := c.Set(ctx, "bad", make(chan int), SetOptions{Level: LevelDisk})
	assert.False(t, set.Success)
	assert.Equal(t, 0, set.Operations)

	got := c.Get(ctx, "bad", GetOptions{})
	assert.False(t, got.Hit)
	assert.Nil(t, got.Value)
}

func TestStatsIsReadOnly(t *testing.T) {
	c := newTestCoordinator(t, LevelMemory)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "v", SetOptions{}).Success)
	gauge := promEntries.WithLabelValues(string(TierMemory))

	before := testutil.ToFloat64(gauge)
	stats := c.Stats(ctx)
	assert.Equal(t, before, testutil.ToFloat64(gauge))

	// The snapshot loop is what publishes the gauge.
	c.refreshGauges(stats)
	assert.Equal(t, float64(1), testutil.ToFloat64(gauge))
}
