package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stockledger/tiercache/codec"
)

// redisEnvelope is the stored form of a distributed entry: the codec text
// plus creation metadata, msgpack-encoded. Expiry is not carried here — the
// backend enforces TTL natively.
type redisEnvelope struct {
	Value     string `msgpack:"v"`
	CreatedAt int64  `msgpack:"c"`
}

// distributedTier is the shared Redis tier. It is strictly optional: if the
// backend cannot be reached at startup or fails during a call, the tier
// disables itself, logs the transition once, and a background probe retries
// with capped exponential backoff until the backend answers again. While
// disabled, reads miss and writes return ErrTierDisabled; nothing on the
// coordinator's fast path blocks on recovery.
type distributedTier struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	probeMu sync.Mutex

	client     *redis.Client
	ownsClient bool
	prefix     string

	defaultTTL   time.Duration
	queryTimeout time.Duration

	available  atomic.Bool
	configured bool
	log        zerolog.Logger
}

var _ Tier = (*distributedTier)(nil)

const (
	probeInitialBackoff = time.Second
	probeMaxBackoff     = 30 * time.Second
)

func newDistributedTier(parent context.Context, cfg DistributedConfig, client *redis.Client, log zerolog.Logger) *distributedTier {
	ctx, cancel := context.WithCancel(parent)
	t := &distributedTier{
		ctx:          ctx,
		cancel:       cancel,
		prefix:       cfg.Prefix,
		defaultTTL:   cfg.TTL.Std(),
		queryTimeout: cfg.QueryTimeout.Std(),
		log:          log.With().Str("tier", string(TierDistributed)).Logger(),
	}
	if client == nil {
		if cfg.Addr == "" {
			// Configuration error: enabled without an address. The tier
			// stays permanently disabled and the rest of the cache runs on.
			t.log.Warn().Msg("distributed tier enabled but no address configured, tier disabled")
			return t
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		t.ownsClient = true
	}
	t.client = client
	t.configured = true

	pctx, pcancel := context.WithTimeout(ctx, t.queryTimeout)
	defer pcancel()
	if err := client.Ping(pctx).Err(); err != nil {
		t.log.Warn().Err(err).Msg("distributed tier backend unreachable, tier disabled")
		t.startProbe()
		return t
	}
	t.available.Store(true)
	return t
}

func (t *distributedTier) Name() TierName  { return TierDistributed }
func (t *distributedTier) Available() bool { return t.available.Load() }

func (t *distributedTier) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.queryTimeout)
}

func (t *distributedTier) namespaced(key string) string {
	if t.prefix == "" {
		return key
	}
	return t.prefix + ":" + key
}

func (t *distributedTier) logical(full string) string {
	if t.prefix == "" {
		return full
	}
	return full[len(t.prefix)+1:]
}

// fail records a backend failure. The transition to disabled is logged once,
// not per call, and kicks off the recovery probe.
func (t *distributedTier) fail(op string, err error) {
	if t.available.CompareAndSwap(true, false) {
		t.log.Warn().Err(err).Str("op", op).Msg("distributed tier call failed, tier disabled")
		t.startProbe()
	}
}

func (t *distributedTier) startProbe() {
	if !t.configured {
		return
	}
	// Serialized against Close so the probe cannot be added to the wait
	// group after Close has started waiting on it.
	t.probeMu.Lock()
	defer t.probeMu.Unlock()
	if t.ctx.Err() != nil {
		return
	}
	t.wg.Add(1)
	go t.probe()
}

func (t *distributedTier) probe() {
	defer t.wg.Done()
	backoff := probeInitialBackoff
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(backoff):
		}
		pctx, cancel := context.WithTimeout(t.ctx, t.queryTimeout)
		err := t.client.Ping(pctx).Err()
		cancel()
		if err == nil {
			t.available.Store(true)
			t.log.Info().Msg("distributed tier backend recovered, tier enabled")
			return
		}
		backoff *= 2
		if backoff > probeMaxBackoff {
			backoff = probeMaxBackoff
		}
	}
}

func (t *distributedTier) Get(ctx context.Context, key string) (any, bool, error) {
	if !t.available.Load() {
		return nil, false, nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	data, err := t.client.Get(qctx, t.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		t.fail("get", err)
		return nil, false, fmt.Errorf("cache: distributed get: %w", err)
	}
	var env redisEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		// Foreign or corrupt payload under our key: drop it, report a miss.
		_, _ = t.client.Del(qctx, t.namespaced(key)).Result()
		return nil, false, nil
	}
	if codec.IsError(env.Value) {
		// A stored sentinel is a defective entry, same treatment as corrupt.
		_, _ = t.client.Del(qctx, t.namespaced(key)).Result()
		return nil, false, nil
	}
	return codec.Deserialize(env.Value), true, nil
}

func (t *distributedTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !t.available.Load() {
		return ErrTierDisabled
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	// The backend enforces TTL in whole seconds.
	ttl = ttl.Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}
	text := codec.Serialize(value)
	if codec.IsError(text) {
		// Never persist the encode-failure sentinel; the key stays a miss.
		return fmt.Errorf("cache: distributed set %q: %w", key, ErrUnserializable)
	}
	env := redisEnvelope{
		Value:     text,
		CreatedAt: time.Now().UnixMilli(),
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("cache: distributed marshal: %w", err)
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	if err := t.client.Set(qctx, t.namespaced(key), data, ttl).Err(); err != nil {
		t.fail("set", err)
		return fmt.Errorf("cache: distributed set: %w", err)
	}
	return nil
}

func (t *distributedTier) Delete(ctx context.Context, key string) (bool, error) {
	if !t.available.Load() {
		return false, nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	n, err := t.client.Del(qctx, t.namespaced(key)).Result()
	if err != nil {
		t.fail("delete", err)
		return false, fmt.Errorf("cache: distributed delete: %w", err)
	}
	return n > 0, nil
}

// escapeGlob backslash-escapes the MATCH metacharacters so a literal prefix
// matches only itself, the same contract the in-process tiers give.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scan iterates every namespaced key matching glob. This walks the keyspace
// with SCAN — O(keyspace) on the backend, acceptable for this system's
// invalidation volume but not for fan-out over very large keyspaces.
func (t *distributedTier) scan(ctx context.Context, glob string, fn func(full string) error) error {
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	iter := t.client.Scan(qctx, 0, t.namespaced(glob), 0).Iterator()
	for iter.Next(qctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (t *distributedTier) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if !t.available.Load() {
		return nil, nil
	}
	var keys []string
	err := t.scan(ctx, wrapGlob(escapeGlob(prefix)), func(full string) error {
		keys = append(keys, t.logical(full))
		return nil
	})
	if err != nil {
		t.fail("keys", err)
		return nil, fmt.Errorf("cache: distributed keys: %w", err)
	}
	return keys, nil
}

func (t *distributedTier) DeleteMatching(ctx context.Context, m *Match) (int, error) {
	if !t.available.Load() {
		return 0, nil
	}
	// The glob over-matches; candidates are re-checked against the real
	// pattern before deletion.
	var doomed []string
	err := t.scan(ctx, m.Glob(), func(full string) error {
		if m.MatchKey(t.logical(full)) {
			doomed = append(doomed, full)
		}
		return nil
	})
	if err != nil {
		t.fail("invalidate", err)
		return 0, fmt.Errorf("cache: distributed invalidate: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	n, err := t.client.Del(qctx, doomed...).Result()
	if err != nil {
		t.fail("invalidate", err)
		return int(n), fmt.Errorf("cache: distributed invalidate: %w", err)
	}
	return int(n), nil
}

func (t *distributedTier) Clear(ctx context.Context) (int, error) {
	if !t.available.Load() {
		return 0, nil
	}
	var doomed []string
	if err := t.scan(ctx, "*", func(full string) error {
		doomed = append(doomed, full)
		return nil
	}); err != nil {
		t.fail("clear", err)
		return 0, fmt.Errorf("cache: distributed clear: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	qctx, cancel := t.queryCtx(ctx)
	defer cancel()
	n, err := t.client.Del(qctx, doomed...).Result()
	if err != nil {
		t.fail("clear", err)
		return int(n), fmt.Errorf("cache: distributed clear: %w", err)
	}
	return int(n), nil
}

func (t *distributedTier) Entries(ctx context.Context) int {
	if !t.available.Load() {
		return 0
	}
	n := 0
	if err := t.scan(ctx, "*", func(string) error {
		n++
		return nil
	}); err != nil {
		return n
	}
	return n
}

func (t *distributedTier) Close() error {
	var err error
	t.once.Do(func() {
		t.probeMu.Lock()
		t.cancel()
		t.probeMu.Unlock()
		t.wg.Wait()
		if t.ownsClient && t.client != nil {
			err = t.client.Close()
		}
	})
	return err
}
