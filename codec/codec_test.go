package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripJSONNatives(t *testing.T) {
	values := []any{
		nil,
		true,
		false,
		"hello",
		"",
		float64(42),
		float64(-3.25),
		[]any{"a", float64(1), nil},
		map[string]any{"name": "widget", "qty": float64(7)},
		map[string]any{"nested": map[string]any{"deep": []any{float64(1), "two"}}},
	}
	for _, v := range values {
		assert.Equal(t, v, Deserialize(Serialize(v)))
	}
}

func TestRoundTripDate(t *testing.T) {
	ts := time.Date(2026, 8, 30, 9, 15, 42, 123456789, time.UTC)
	text := Serialize(ts)
	assert.Contains(t, text, `"__type":"Date"`)

	got := Deserialize(text)
	require.IsType(t, time.Time{}, got)
	assert.True(t, got.(time.Time).Equal(ts))
}

func TestRoundTripBuffer(t *testing.T) {
	buf := []byte{0x00, 0x01, 0xfe, 0xff, 'a', 'b'}
	text := Serialize(buf)
	assert.Contains(t, text, `"__type":"Buffer"`)
	assert.Equal(t, buf, Deserialize(text))
}

func TestRoundTripSet(t *testing.T) {
	s := NewSet("b", "a", "c")
	got := Deserialize(Serialize(s))
	require.IsType(t, Set{}, got)
	assert.Equal(t, s, got)
}

func TestRoundTripMap(t *testing.T) {
	m := Map{
		"name":     "widget",
		float64(7): "bin-seven",
		true:       float64(1),
	}
	got := Deserialize(Serialize(m))
	require.IsType(t, Map{}, got)
	assert.Equal(t, m, got)
}

func TestRoundTripNested(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := map[string]any{
		"updated": ts,
		"qr":      []byte{0x89, 0x50, 0x4e, 0x47},
		"tags":    NewSet("electronics", "fragile"),
		"rows":    []any{map[string]any{"sku": "A-1", "count": float64(3)}},
	}
	got := Deserialize(Serialize(v))
	require.IsType(t, map[string]any{}, got)
	gm := got.(map[string]any)
	assert.True(t, gm["updated"].(time.Time).Equal(ts))
	assert.Equal(t, v["qr"], gm["qr"])
	assert.Equal(t, v["tags"], gm["tags"])
	assert.Equal(t, v["rows"], gm["rows"])
}

func TestStructsLowerToGenericForm(t *testing.T) {
	type product struct {
		Name string `json:"name"`
		Qty  int    `json:"qty"`
	}
	got := Deserialize(Serialize(product{Name: "widget", Qty: 3}))
	assert.Equal(t, map[string]any{"name": "widget", "qty": float64(3)}, got)
}

func TestSerializeUnsupportedDegradesToSentinel(t *testing.T) {
	text := Serialize(make(chan int))
	assert.Contains(t, text, "__error")
	assert.Contains(t, text, "Serialization failed")
	assert.Nil(t, Deserialize(text))
}

func TestSerializeCyclicDegradesToSentinel(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	text := Serialize(m)
	assert.Contains(t, text, "__error")
	assert.Nil(t, Deserialize(text))
}

func TestDeserializeGarbage(t *testing.T) {
	assert.Nil(t, Deserialize(""))
	assert.Nil(t, Deserialize("{not json"))
	assert.Nil(t, Deserialize(strings.Repeat("[", 10)))
}

func TestDeserializeMalformedTag(t *testing.T) {
	// A Date tag whose payload is not a timestamp decodes to nil rather
	// than erroring.
	assert.Nil(t, Deserialize(`{"__type":"Date","value":42}`))
	assert.Nil(t, Deserialize(`{"__type":"Buffer","value":"%%%"}`))
}

func TestUnknownTagPassesThrough(t *testing.T) {
	got := Deserialize(`{"__type":"Hologram","value":1}`)
	assert.Equal(t, map[string]any{"__type": "Hologram", "value": float64(1)}, got)
}

func TestSetHelpers(t *testing.T) {
	s := NewSet("b", "a", "b")
	assert.Len(t, s, 2)
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("z"))
	assert.Equal(t, []string{"a", "b"}, s.Elems())
}

func TestIsError(t *testing.T) {
	assert.True(t, IsError(Serialize(make(chan int))))
	assert.False(t, IsError(Serialize("ok")))
	assert.False(t, IsError(`{"__error":"something else"}`))
	assert.False(t, IsError(""))
}
