package cache

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Default tuning values. Each can be overridden per tier via Config, a YAML
// config file, or TIERCACHE_* environment variables.
const (
	DefaultMemoryTTL      = 5 * time.Minute
	DefaultMemoryMaxKeys  = 1000
	DefaultSweepInterval  = time.Minute
	DefaultDistributedTTL = 10 * time.Minute
	DefaultQueryTimeout   = 5 * time.Second
	DefaultDiskTTL        = time.Hour

	// DefaultCompressAbove is the serialized-size threshold in bytes above
	// which disk entries are gzip-compressed.
	DefaultCompressAbove = 4096

	// DefaultSnapshotInterval is how often the metrics collector logs an
	// aggregate health snapshot.
	DefaultSnapshotInterval = time.Minute
)

// Duration is a time.Duration that unmarshals from human-readable YAML
// strings such as "90s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	dur, err := str2duration.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("cache: invalid duration %q: %w", raw, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// MemoryConfig configures the in-process tier. The memory tier is always
// enabled; with every other tier down it is the fallback that keeps the
// cache functional.
type MemoryConfig struct {
	// TTL is the default entry lifetime. Defaults to DefaultMemoryTTL.
	TTL Duration `yaml:"ttl"`
	// MaxKeys bounds the entry count. When exceeded, the 10% of entries
	// closest to expiry are evicted. Defaults to DefaultMemoryMaxKeys.
	MaxKeys int `yaml:"max_keys"`
	// SweepInterval is how often expired entries are removed in the
	// background, in addition to lazy removal on read.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// DistributedConfig configures the shared Redis tier.
type DistributedConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces this cache's keys so several tenants can share one
	// backend.
	Prefix string `yaml:"prefix"`
	// TTL is enforced by the backend itself, in whole seconds.
	TTL Duration `yaml:"ttl"`
	// QueryTimeout bounds every backend round trip.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// DiskConfig configures the durable on-disk tier.
type DiskConfig struct {
	Enabled bool     `yaml:"enabled"`
	Path    string   `yaml:"path"`
	TTL     Duration `yaml:"ttl"`
	// CompressAbove is the serialized-size threshold in bytes above which
	// entries are gzip-compressed. Zero means the default; negative
	// disables compression.
	CompressAbove int `yaml:"compress_above"`
}

// Config is the full configuration surface of a Coordinator.
type Config struct {
	Memory      MemoryConfig      `yaml:"memory"`
	Distributed DistributedConfig `yaml:"distributed"`
	Disk        DiskConfig        `yaml:"disk"`
	// SnapshotInterval is how often aggregate metrics are logged.
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// DefaultConfig returns the defaults: memory tier only, optional tiers
// disabled.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			TTL:           Duration(DefaultMemoryTTL),
			MaxKeys:       DefaultMemoryMaxKeys,
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Distributed: DistributedConfig{
			TTL:          Duration(DefaultDistributedTTL),
			QueryTimeout: Duration(DefaultQueryTimeout),
		},
		Disk: DiskConfig{
			TTL:           Duration(DefaultDiskTTL),
			CompressAbove: DefaultCompressAbove,
		},
		SnapshotInterval: Duration(DefaultSnapshotInterval),
	}
}

// withDefaults fills zero-valued fields so a partially specified Config is
// usable as-is.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Memory.TTL <= 0 {
		c.Memory.TTL = def.Memory.TTL
	}
	if c.Memory.MaxKeys <= 0 {
		c.Memory.MaxKeys = def.Memory.MaxKeys
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = def.Memory.SweepInterval
	}
	if c.Distributed.TTL <= 0 {
		c.Distributed.TTL = def.Distributed.TTL
	}
	if c.Distributed.QueryTimeout <= 0 {
		c.Distributed.QueryTimeout = def.Distributed.QueryTimeout
	}
	if c.Disk.TTL <= 0 {
		c.Disk.TTL = def.Disk.TTL
	}
	if c.Disk.CompressAbove == 0 {
		c.Disk.CompressAbove = def.Disk.CompressAbove
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	return c
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("cache: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cache: parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// ApplyEnv overlays TIERCACHE_* environment variables onto the config.
// Malformed values are ignored, keeping whatever the config already holds;
// a bad environment must not take a tier down that the file enabled.
func (c *Config) ApplyEnv() {
	envDuration("TIERCACHE_MEMORY_TTL", &c.Memory.TTL)
	envDuration("TIERCACHE_MEMORY_SWEEP_INTERVAL", &c.Memory.SweepInterval)
	envInt("TIERCACHE_MEMORY_MAX_KEYS", &c.Memory.MaxKeys)

	envBool("TIERCACHE_DISTRIBUTED_ENABLED", &c.Distributed.Enabled)
	envString("TIERCACHE_DISTRIBUTED_ADDR", &c.Distributed.Addr)
	envString("TIERCACHE_DISTRIBUTED_PASSWORD", &c.Distributed.Password)
	envString("TIERCACHE_DISTRIBUTED_PREFIX", &c.Distributed.Prefix)
	envInt("TIERCACHE_DISTRIBUTED_DB", &c.Distributed.DB)
	envDuration("TIERCACHE_DISTRIBUTED_TTL", &c.Distributed.TTL)
	envDuration("TIERCACHE_DISTRIBUTED_QUERY_TIMEOUT", &c.Distributed.QueryTimeout)

	envBool("TIERCACHE_DISK_ENABLED", &c.Disk.Enabled)
	envString("TIERCACHE_DISK_PATH", &c.Disk.Path)
	envDuration("TIERCACHE_DISK_TTL", &c.Disk.TTL)
	envInt("TIERCACHE_DISK_COMPRESS_ABOVE", &c.Disk.CompressAbove)

	envDuration("TIERCACHE_SNAPSHOT_INTERVAL", &c.SnapshotInterval)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := str2duration.ParseDuration(v); err == nil && d > 0 {
			*dst = Duration(d)
		}
	}
}

// options holds optional constructor dependencies.
type options struct {
	logger      zerolog.Logger
	redisClient *redis.Client
}

// Option configures a Coordinator.
type Option func(*options)

func defaultOptions() options {
	return options{logger: zerolog.Nop()}
}

// WithLogger sets the logger. The default is a nop logger; the cache is
// silent unless given one.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedisClient supplies an existing Redis client for the distributed
// tier instead of dialing from DistributedConfig. The caller owns the
// client's lifecycle; Close does not close it.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}
