// Package cache implements the tiered cache service that fronts the
// relational store: repeated reads (stock reports, product lookups,
// dashboard aggregates) are absorbed across three storage tiers of
// increasing latency and persistence.
//
// # Coordinator
//
// Callers hold a [Coordinator] and never address a tier directly. A
// coordinator is an explicit instance with constructor-injected tiers, not a
// process-wide singleton:
//
//	cfg := cache.DefaultConfig()
//	cfg.Distributed.Enabled = true
//	cfg.Distributed.Addr = "localhost:6379"
//	cfg.Disk.Enabled = true
//	cfg.Disk.Path = "/var/cache/stockledger"
//
//	c := cache.New(ctx, cfg, cache.WithLogger(log))
//	defer c.Close()
//
// Reads walk the tiers fastest-first and the first hit wins; a hit in a
// slower tier is written back to every faster tier with that tier's default
// TTL (read repair). Writes and deletes fan out concurrently to the tiers
// selected by a [Level] bitmask; each tier succeeds or fails independently,
// and the operation as a whole succeeds if at least one tier accepted it.
// Cross-tier coherence is therefore eventual and best-effort — that is the
// intended contract, not a bug. There is no cross-process invalidation
// broadcast and no transactional guarantee between tiers.
//
// # Tiers
//
//   - memory — Always enabled; a bounded in-process map with lazy expiry on
//     read and a background sweep. Over capacity, the 10% of entries with
//     the nearest expiry are evicted (a TTL proxy for recency, not a true
//     LRU). With every optional tier down this tier keeps the cache
//     functional on its own.
//
//   - distributed — Optional Redis tier shared across processes, namespaced
//     by a configurable key prefix. TTL is enforced by the backend in whole
//     seconds. If the backend is unreachable at startup or fails mid-call,
//     the tier disables itself, logs the transition once, and recovers via a
//     background probe with capped exponential backoff. A disabled tier
//     reads as always-miss and never fails a caller.
//
//   - disk — Optional durable tier: one self-describing JSON envelope file
//     per entry, addressed by the key's SHA-256 hash. Large values are
//     gzip-compressed. A corrupt or expired envelope is deleted and reported
//     as a miss. A startup sweep bounds disk growth across restarts.
//
// # Cache-aside
//
// [Coordinator.GetOrSet] combines lookup and population: on a miss the fetch
// function runs and its result is cached before returning. Concurrent
// callers racing on the same missing key share one fetch (single-flight), so
// the backing store sees exactly one query per miss. A fetch error is
// returned to the caller and nothing is cached; a cache write failure after
// a successful fetch is swallowed, since the caller already has their value.
//
// # Pattern invalidation
//
// [Coordinator.InvalidateByPattern] takes a Go regular expression, compiled
// once into an internal [Match]. The memory and disk tiers check logical
// keys against it directly; the distributed tier enumerates candidates with
// a glob derived from the pattern's literal prefix and re-checks each one.
// The distributed enumeration is O(keyspace) — acceptable for this system's
// invalidation volume, not for fan-out over very large keyspaces.
//
// # Failure policy
//
// No operation returns a tier I/O error to the caller. Serialization
// defects, backend outages, corrupt disk envelopes, and invalid tier
// configuration all degrade the cache — observed as misses, fewer write
// replicas, or a disabled tier — and are logged and counted, never thrown.
// The only fatal condition is the process running out of memory.
//
// # Observability
//
// Every operation outcome increments in-process counters (readable
// synchronously via [Coordinator.Stats]) and their prometheus mirrors. A
// background loop logs an aggregate snapshot — hit rate, per-tier entry
// counts, process RSS — at a configurable interval.
package cache
