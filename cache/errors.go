package cache

import "errors"

var (
	// ErrInvalidLevel indicates a tier selector string that is not one of
	// "memory", "distributed", "disk", or "all".
	ErrInvalidLevel = errors.New("cache: invalid cache level")

	// ErrInvalidPattern indicates an invalidation pattern that does not
	// compile as a regular expression.
	ErrInvalidPattern = errors.New("cache: invalid invalidation pattern")

	// ErrTierDisabled is returned by tier operations while the tier is
	// disabled by configuration or has disabled itself after a backend
	// failure. The coordinator treats it as "not written", never as a
	// caller-visible failure.
	ErrTierDisabled = errors.New("cache: tier is disabled")

	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("cache: coordinator is closed")

	// ErrUnserializable is returned by the serialized tiers when a value
	// cannot be encoded. The write is skipped and later reads of the key
	// stay misses.
	ErrUnserializable = errors.New("cache: value cannot be serialized")
)
