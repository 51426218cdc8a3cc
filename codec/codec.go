// Package codec provides a tagged textual encoding for cache values.
//
// Plain JSON loses type information for anything beyond strings, numbers,
// booleans, arrays, and string-keyed objects. This codec wraps the types a
// cache actually sees beyond those — timestamps, raw binary, sets, and
// arbitrary-key maps — in a small self-describing envelope:
//
//	{"__type": "Date", "value": "2026-08-30T10:00:00Z"}
//
// so that Deserialize(Serialize(v)) is value-equal to v for every supported
// type. Values the codec cannot encode (channels, functions, cyclic
// structures) degrade to an error sentinel rather than failing: Serialize
// never panics or returns an error, and Deserialize of the sentinel (or of
// any garbage input) returns nil. A defective value costs the caller a cache
// miss, never a crash.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

const (
	typeKey  = "__type"
	valueKey = "value"
	errorKey = "__error"

	// sentinelText is the canonical encode-failure document.
	sentinelText = `{"__error":"Serialization failed"}`

	typeDate   = "Date"
	typeBuffer = "Buffer"
	typeSet    = "Set"
	typeMap    = "Map"

	// maxDepth bounds the recursive encoder so cyclic maps and slices fail
	// fast instead of recursing forever.
	maxDepth = 256
)

var errTooDeep = errors.New("codec: value nesting exceeds maximum depth")

// Set is an unordered collection of unique string elements. It survives a
// Serialize/Deserialize round trip, unlike a bare map[string]struct{} which
// would come back as a JSON object.
type Set map[string]struct{}

// NewSet returns a Set containing the given elements.
func NewSet(elems ...string) Set {
	s := make(Set, len(elems))
	for _, e := range elems {
		s[e] = struct{}{}
	}
	return s
}

// Contains reports whether e is a member of the set.
func (s Set) Contains(e string) bool {
	_, ok := s[e]
	return ok
}

// Elems returns the set's elements in sorted order.
func (s Set) Elems() []string {
	out := make([]string, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Map is a map with arbitrary comparable keys. A plain map[string]any passes
// through the codec untagged; Map exists for keyed collections whose keys are
// not strings (numeric ids, timestamps) and round-trips them as key/value
// pairs.
type Map map[any]any

// Serialize encodes v as tagged JSON text. It never panics and never returns
// an error: values that cannot be encoded yield a sentinel document that
// Deserialize maps to nil.
func Serialize(v any) string {
	tree, err := encode(v, 0)
	if err != nil {
		return sentinel()
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return sentinel()
	}
	return string(data)
}

// Deserialize decodes text produced by Serialize. Unparsable input and the
// error sentinel both decode to nil.
func Deserialize(text string) any {
	var tree any
	if err := json.Unmarshal([]byte(text), &tree); err != nil {
		return nil
	}
	return decode(tree)
}

func sentinel() string {
	return sentinelText
}

// IsError reports whether text is the encode-failure sentinel produced by
// Serialize. Storage tiers check it before persisting so a defective value
// stays a miss instead of becoming a stored nil.
func IsError(text string) bool {
	return text == sentinelText
}

func tagged(tag string, payload any) map[string]any {
	return map[string]any{typeKey: tag, valueKey: payload}
}

// encode lowers v to a JSON-marshalable tree, wrapping tagged types.
func encode(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return v, nil
	case time.Time:
		return tagged(typeDate, t.Format(time.RFC3339Nano)), nil
	case []byte:
		return tagged(typeBuffer, base64.StdEncoding.EncodeToString(t)), nil
	case Set:
		return tagged(typeSet, t.Elems()), nil
	case Map:
		pairs := make([][]any, 0, len(t))
		for k, mv := range t {
			ek, err := encode(k, depth+1)
			if err != nil {
				return nil, err
			}
			ev, err := encode(mv, depth+1)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, []any{ek, ev})
		}
		return tagged(typeMap, pairs), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ee, err := encode(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = ee
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ee, err := encode(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = ee
		}
		return out, nil
	default:
		// Structs, typed slices, string-keyed typed maps: round through
		// encoding/json into the generic form. Channels, functions, and
		// cycles error out here and become the sentinel.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
}

// decode reverses encode. Malformed tagged envelopes decode to nil rather
// than erroring; the cache treats that as a miss.
func decode(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if _, failed := t[errorKey]; failed {
			return nil
		}
		if tag, ok := t[typeKey].(string); ok {
			if decoded, handled := decodeTagged(tag, t[valueKey]); handled {
				return decoded
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = decode(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decode(e)
		}
		return out
	default:
		return v
	}
}

func decodeTagged(tag string, payload any) (any, bool) {
	switch tag {
	case typeDate:
		s, ok := payload.(string)
		if !ok {
			return nil, true
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, true
		}
		return ts, true
	case typeBuffer:
		s, ok := payload.(string)
		if !ok {
			return nil, true
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, true
		}
		return data, true
	case typeSet:
		elems, ok := payload.([]any)
		if !ok {
			return nil, true
		}
		s := make(Set, len(elems))
		for _, e := range elems {
			if str, ok := e.(string); ok {
				s[str] = struct{}{}
			}
		}
		return s, true
	case typeMap:
		pairs, ok := payload.([]any)
		if !ok {
			return nil, true
		}
		m := make(Map, len(pairs))
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				continue
			}
			k := decode(kv[0])
			if !hashableKey(k) {
				continue
			}
			m[k] = decode(kv[1])
		}
		return m, true
	}
	// Unknown tag: leave the object as-is for forward compatibility.
	return nil, false
}

// hashableKey reports whether k can be used as a map key at runtime.
func hashableKey(k any) bool {
	switch k.(type) {
	case nil, bool, string, float64, time.Time:
		return true
	default:
		return false
	}
}
