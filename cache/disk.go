package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockledger/tiercache/codec"
)

const envelopeExt = ".cache"

// diskEnvelope is the self-describing on-disk form of an entry. It carries
// the logical key (filenames are hashes and cannot be matched against
// patterns), the codec text or its compressed/base64 form, and its own
// expiry. A file that does not parse back into a valid envelope is corrupt:
// it is deleted and reported as a miss, never surfaced as an error.
type diskEnvelope struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	ExpiresAt  int64  `json:"expires_at"`
	CreatedAt  int64  `json:"created_at"`
	Compressed bool   `json:"compressed,omitempty"`
	Base64     bool   `json:"base64,omitempty"`
}

func (e *diskEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt < now.UnixMilli()
}

// diskTier is the durable tier: one JSON envelope file per entry, addressed
// by the key's hash. It is optional; if the root directory cannot be
// created the tier disables itself and the cache runs on without it.
// Individual write failures (permissions, disk full) are logged and count as
// a failed write for this tier only.
type diskTier struct {
	root          string
	defaultTTL    time.Duration
	compressAbove int
	available     bool
	log           zerolog.Logger
}

var _ Tier = (*diskTier)(nil)

func newDiskTier(cfg DiskConfig, log zerolog.Logger) *diskTier {
	t := &diskTier{
		root:          cfg.Path,
		defaultTTL:    cfg.TTL.Std(),
		compressAbove: cfg.CompressAbove,
		log:           log.With().Str("tier", string(TierDisk)).Logger(),
	}
	if t.root == "" {
		t.log.Warn().Msg("disk tier enabled but no path configured, tier disabled")
		return t
	}
	if err := os.MkdirAll(t.root, 0o755); err != nil {
		t.log.Warn().Err(err).Str("path", t.root).Msg("disk tier path not writable, tier disabled")
		return t
	}
	t.available = true
	t.startupSweep()
	return t
}

// startupSweep deletes expired and corrupt envelope files so disk usage
// stays bounded across restarts.
func (t *diskTier) startupSweep() {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		t.log.Warn().Err(err).Msg("disk tier startup sweep failed")
		return
	}
	now := time.Now()
	scanned, deleted := 0, 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), envelopeExt) {
			continue
		}
		scanned++
		path := filepath.Join(t.root, de.Name())
		env, err := readEnvelope(path)
		if err != nil || env.expired(now) {
			_ = os.Remove(path)
			deleted++
		}
	}
	t.log.Info().Int("scanned", scanned).Int("deleted", deleted).Msg("disk tier startup sweep complete")
}

func (t *diskTier) Name() TierName  { return TierDisk }
func (t *diskTier) Available() bool { return t.available }

func (t *diskTier) path(key string) string {
	return filepath.Join(t.root, HashKey(key)+envelopeExt)
}

func readEnvelope(path string) (*diskEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env diskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Key == "" {
		return nil, fmt.Errorf("cache: envelope missing key")
	}
	return &env, nil
}

func (t *diskTier) Get(_ context.Context, key string) (any, bool, error) {
	if !t.available {
		return nil, false, nil
	}
	path := t.path(key)
	env, err := readEnvelope(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		// Corrupt envelope: remove and miss, best effort on the removal.
		_ = os.Remove(path)
		t.log.Debug().Str("key", key).Msg("corrupt disk envelope removed")
		return nil, false, nil
	}
	if env.expired(time.Now()) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	text, ok := t.unpack(env)
	if !ok {
		_ = os.Remove(path)
		t.log.Debug().Str("key", key).Msg("undecodable disk envelope removed")
		return nil, false, nil
	}
	if codec.IsError(text) {
		// A stored sentinel is a defective entry, same treatment as corrupt.
		_ = os.Remove(path)
		t.log.Debug().Str("key", key).Msg("defective disk envelope removed")
		return nil, false, nil
	}
	return codec.Deserialize(text), true, nil
}

// unpack reverses the base64/gzip framing applied by Set.
func (t *diskTier) unpack(env *diskEnvelope) (string, bool) {
	payload := []byte(env.Value)
	if env.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(env.Value)
		if err != nil {
			return "", false
		}
		payload = decoded
	}
	if env.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return "", false
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return "", false
		}
		payload = plain
	}
	return string(payload), true
}

func (t *diskTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return t.SetCompressed(ctx, key, value, ttl, false)
}

// SetCompressed is Set with an explicit compression override; force
// compresses regardless of the size threshold.
func (t *diskTier) SetCompressed(_ context.Context, key string, value any, ttl time.Duration, force bool) error {
	if !t.available {
		return ErrTierDisabled
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	text := codec.Serialize(value)
	if codec.IsError(text) {
		// Never persist the encode-failure sentinel; the key stays a miss.
		return fmt.Errorf("cache: disk set %q: %w", key, ErrUnserializable)
	}
	now := time.Now()
	env := diskEnvelope{
		Key:       key,
		Value:     text,
		ExpiresAt: now.Add(ttl).UnixMilli(),
		CreatedAt: now.UnixMilli(),
	}
	if force || (t.compressAbove > 0 && len(text) > t.compressAbove) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write([]byte(text)); err == nil && zw.Close() == nil {
			// Compressed bytes are binary, so they ride base64-encoded.
			env.Value = base64.StdEncoding.EncodeToString(buf.Bytes())
			env.Compressed = true
			env.Base64 = true
		}
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("cache: disk envelope marshal: %w", err)
	}
	if err := os.WriteFile(t.path(key), data, 0o644); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("disk tier write failed")
		return fmt.Errorf("cache: disk write: %w", err)
	}
	return nil
}

func (t *diskTier) Delete(_ context.Context, key string) (bool, error) {
	if !t.available {
		return false, nil
	}
	err := os.Remove(t.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache: disk delete: %w", err)
	}
	return true, nil
}

// walk visits every parsable envelope, deleting expired and corrupt files
// as it goes. O(files); fine at this system's invalidation volume.
func (t *diskTier) walk(ctx context.Context, fn func(path string, env *diskEnvelope) error) error {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return fmt.Errorf("cache: disk scan: %w", err)
	}
	now := time.Now()
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), envelopeExt) {
			continue
		}
		path := filepath.Join(t.root, de.Name())
		env, err := readEnvelope(path)
		if err != nil || env.expired(now) {
			_ = os.Remove(path)
			continue
		}
		if err := fn(path, env); err != nil {
			return err
		}
	}
	return nil
}

func (t *diskTier) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if !t.available {
		return nil, nil
	}
	var keys []string
	err := t.walk(ctx, func(_ string, env *diskEnvelope) error {
		if strings.Contains(env.Key, prefix) {
			keys = append(keys, env.Key)
		}
		return nil
	})
	return keys, err
}

func (t *diskTier) DeleteMatching(ctx context.Context, m *Match) (int, error) {
	if !t.available {
		return 0, nil
	}
	deleted := 0
	err := t.walk(ctx, func(path string, env *diskEnvelope) error {
		if m.MatchKey(env.Key) {
			if os.Remove(path) == nil {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

func (t *diskTier) Clear(ctx context.Context) (int, error) {
	if !t.available {
		return 0, nil
	}
	deleted := 0
	err := t.walk(ctx, func(path string, _ *diskEnvelope) error {
		if os.Remove(path) == nil {
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (t *diskTier) Entries(_ context.Context) int {
	if !t.available {
		return 0
	}
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, de := range entries {
		if !de.IsDir() && strings.HasSuffix(de.Name(), envelopeExt) {
			n++
		}
	}
	return n
}

func (t *diskTier) Close() error { return nil }
