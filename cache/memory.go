package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.expiresAt.Before(now)
}

// memoryTier is the process-local tier: a mutex-guarded map with lazy expiry
// on read and a background sweep. It is always available; its only failure
// mode is running out of process memory, which is fatal by design of the
// runtime, not caught here.
//
// When the entry count exceeds MaxKeys, the 10% of entries with the nearest
// expiry are evicted. That is a TTL proxy for recency, not a true LRU — a
// deliberate simplification: entries here are short-lived report and lookup
// results whose TTL ordering tracks usefulness closely enough.
type memoryTier struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	entries map[string]*memoryEntry

	defaultTTL    time.Duration
	maxKeys       int
	sweepInterval time.Duration
}

var _ Tier = (*memoryTier)(nil)

func newMemoryTier(parent context.Context, cfg MemoryConfig) *memoryTier {
	ctx, cancel := context.WithCancel(parent)
	t := &memoryTier{
		ctx:           ctx,
		cancel:        cancel,
		entries:       make(map[string]*memoryEntry),
		defaultTTL:    cfg.TTL.Std(),
		maxKeys:       cfg.MaxKeys,
		sweepInterval: cfg.SweepInterval.Std(),
	}
	t.wg.Add(1)
	go t.sweep()
	return t
}

func (t *memoryTier) Name() TierName  { return TierMemory }
func (t *memoryTier) Available() bool { return true }

func (t *memoryTier) Get(_ context.Context, key string) (any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		delete(t.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (t *memoryTier) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	now := time.Now()
	t.mu.Lock()
	t.entries[key] = &memoryEntry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	if len(t.entries) > t.maxKeys {
		t.evictLocked()
	}
	t.mu.Unlock()
	return nil
}

// evictLocked removes the 10% of entries closest to expiry. Expired entries
// sort first, so a sweep-overdue map sheds dead weight before live entries.
func (t *memoryTier) evictLocked() {
	batch := t.maxKeys / 10
	if batch < 1 {
		batch = 1
	}
	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(t.entries))
	for k, e := range t.entries {
		candidates = append(candidates, candidate{k, e.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	if batch > len(candidates) {
		batch = len(candidates)
	}
	for _, c := range candidates[:batch] {
		delete(t.entries, c.key)
	}
}

func (t *memoryTier) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	_, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	return ok, nil
}

// KeysByPrefix matches by substring, not anchored prefix: dashboard callers
// look up groups like "report:" that appear mid-key as often as at the start.
func (t *memoryTier) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for k, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, k)
			continue
		}
		if strings.Contains(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *memoryTier) DeleteMatching(_ context.Context, m *Match) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deleted := 0
	for k := range t.entries {
		if m.MatchKey(k) {
			delete(t.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (t *memoryTier) Clear(_ context.Context) (int, error) {
	t.mu.Lock()
	n := len(t.entries)
	t.entries = make(map[string]*memoryEntry)
	t.mu.Unlock()
	return n, nil
}

func (t *memoryTier) Entries(_ context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *memoryTier) sweep() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for k, e := range t.entries {
				if e.expired(now) {
					delete(t.entries, k)
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *memoryTier) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}
