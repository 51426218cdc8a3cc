package cache

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TierName identifies one physical cache backend.
type TierName string

const (
	TierMemory      TierName = "memory"
	TierDistributed TierName = "distributed"
	TierDisk        TierName = "disk"
)

// Level selects one or more tiers for an operation. It is a bitmask so a
// selection is validated once at the API boundary instead of being re-matched
// as a string at every call site.
type Level uint8

const (
	LevelMemory Level = 1 << iota
	LevelDistributed
	LevelDisk

	LevelAll = LevelMemory | LevelDistributed | LevelDisk
)

// Has reports whether l includes every tier in sel.
func (l Level) Has(sel Level) bool { return l&sel == sel }

// ParseLevel converts a level string to a Level. The empty string means all
// tiers.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "all":
		return LevelAll, nil
	case "memory":
		return LevelMemory, nil
	case "distributed":
		return LevelDistributed, nil
	case "disk":
		return LevelDisk, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case LevelMemory:
		return "memory"
	case LevelDistributed:
		return "distributed"
	case LevelDisk:
		return "disk"
	case LevelAll:
		return "all"
	}
	var parts []string
	for _, sel := range []struct {
		bit  Level
		name string
	}{{LevelMemory, "memory"}, {LevelDistributed, "distributed"}, {LevelDisk, "disk"}} {
		if l.Has(sel.bit) {
			parts = append(parts, sel.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func levelOf(name TierName) Level {
	switch name {
	case TierMemory:
		return LevelMemory
	case TierDistributed:
		return LevelDistributed
	case TierDisk:
		return LevelDisk
	}
	return 0
}

// Match is the single internal representation of an invalidation pattern.
// The memory and disk tiers match logical keys against the compiled regular
// expression; the distributed tier, whose backend only understands glob
// patterns, uses a substring glob derived from the pattern's literal runs.
// The glob may over-match relative to the regexp; for deletion that is
// resolved by re-checking candidates against the regexp.
type Match struct {
	raw  string
	re   *regexp.Regexp
	glob string
}

// CompileMatch compiles pattern (a Go regular expression) into a Match.
func CompileMatch(pattern string) (*Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Match{raw: pattern, re: re, glob: globFromPattern(pattern)}, nil
}

// MatchKey reports whether key matches the pattern.
func (m *Match) MatchKey(key string) bool { return m.re.MatchString(key) }

// Glob returns the backend glob used to enumerate candidate keys on the
// distributed tier.
func (m *Match) Glob() string { return m.glob }

func (m *Match) String() string { return m.raw }

// globFromPattern extracts the longest leading literal run of the pattern
// and wraps it in wildcards. "^product:" becomes "*product:*"; a pattern
// with no usable literal prefix degrades to "*" (full keyspace scan).
func globFromPattern(pattern string) string {
	var literal strings.Builder
	for _, r := range pattern {
		switch r {
		case '^':
			if literal.Len() == 0 {
				continue
			}
			literal.Reset()
		case '\\', '.', '*', '+', '?', '(', ')', '[', ']', '{', '}', '|', '$':
			return wrapGlob(literal.String())
		default:
			literal.WriteRune(r)
		}
	}
	return wrapGlob(literal.String())
}

func wrapGlob(core string) string {
	if core == "" {
		return "*"
	}
	return "*" + core + "*"
}

// Tier is one physical cache backend. Implementations own their latency
// bounds (connection timeouts, per-query deadlines) and their availability:
// a tier that cannot reach its backend reports Available() == false and
// returns ErrTierDisabled from writes rather than blocking or failing the
// coordinator.
//
// An entry whose TTL has elapsed is indistinguishable from an absent entry;
// every implementation checks expiry lazily on read and removes what it
// finds expired.
type Tier interface {
	Name() TierName

	// Available reports whether the tier can currently serve operations.
	Available() bool

	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value under key. A non-positive ttl selects the tier's
	// configured default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// KeysByPrefix lists logical keys containing prefix. The distributed
	// implementation is O(keyspace); see the package documentation.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	// DeleteMatching removes every key matching m and returns the count.
	DeleteMatching(ctx context.Context, m *Match) (int, error)

	// Clear removes all entries and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	// Entries returns the tier's current entry count (an estimate for
	// remote backends).
	Entries(ctx context.Context) int

	Close() error
}
