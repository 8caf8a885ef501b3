// Package value implements the gateway's dialect-neutral cell representation.
//
// Every driver adapter normalizes whatever native type its database handed
// back into a Value before it ever reaches the Query Engine. Nothing above
// this package ever looks at a driver-specific type again.
package value

import "fmt"

// Kind tags the concrete shape a Value carries.
type Kind string

const (
	KindNull      Kind = "null"
	KindBool      Kind = "bool"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindDecimal   Kind = "decimal" // decimal-as-string, canonical form
	KindString    Kind = "string"
	KindBytes     Kind = "bytes"
	KindTimestamp Kind = "timestamp"
	KindJSON      Kind = "json"
	KindArray     Kind = "array"
	KindMap       Kind = "map"
)

// Value is a tagged union over every cell shape a driver can yield. Only the
// field matching Kind is meaningful; the zero Value is KindNull.
type Value struct {
	Kind Kind

	Bool  bool
	Int   int64
	Float float64

	// Decimal holds the canonical decimal-as-string form for numerics that
	// cannot be represented losslessly in an int64 (KindDecimal), with no
	// locale formatting or digit grouping.
	Decimal string

	Str   string // KindString and KindDecimal-adjacent raw text
	Bytes Bytes  // KindBytes

	Timestamp Timestamp // KindTimestamp

	JSON any // KindJSON: parsed JSON scalar/object/array (json.Unmarshal target)

	Array []Value     // KindArray
	Map   *OrderedMap // KindMap

	// FloatSidecar distinguishes NaN/+Inf/-Inf when Kind is KindFloat but the
	// numeric value itself cannot carry the distinction; "" for ordinary
	// floats. One of "nan", "+inf", "-inf".
	FloatSidecar string

	// Raw marks a value that fell through every known encoding and was
	// printed by the driver as a last resort (policy table's "Unknown" row).
	Raw bool
}

// Bytes is the encoding for binary cells. Above Chunk threshold, only a
// prefix is retained and Truncated is set; Length always reflects the true
// original size.
type Bytes struct {
	Data      []byte
	Length    int
	Truncated bool
}

// Timestamp is the encoding for date/time cells: a UTC epoch-micros value
// plus an optional zone offset in minutes east of UTC. HasOffset is false
// for "date/time without zone" native columns.
type Timestamp struct {
	Micros    int64
	HasOffset bool
	OffsetMin int
}

// OrderedMap preserves field order for row/composite/record values, since
// Go's map type does not.
type OrderedMap struct {
	keys   []string
	values map[string]Value
}

// NewOrderedMap returns an empty ordered map ready for Set.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]Value)}
}

// Set appends key=v, or overwrites v in place if key was already set.
func (m *OrderedMap) Set(key string, v Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string { return append([]string(nil), m.keys...) }

// Get returns the value for key and whether it was present.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// Null is the canonical null Value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a boolean cell.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps a cell that fits losslessly in an int64.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps an ordinary finite float cell.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// FloatSidecarValue wraps a NaN/Inf float cell: never a raw sentinel, always a
// null-with-sidecar-flag per the §4.1 policy table.
func FloatSidecarValue(sidecar string) Value {
	return Value{Kind: KindFloat, FloatSidecar: sidecar}
}

// DecimalValue wraps a numeric cell retained as canonical decimal text (exact
// decimal/numeric columns, or integers that overflow int64).
func DecimalValue(s string) Value { return Value{Kind: KindDecimal, Decimal: s} }

// StringValue wraps a UTF-8 text cell.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// RawValue wraps a driver-printed fallback for a type the encoder doesn't
// recognize. Never dropped silently.
func RawValue(s string) Value { return Value{Kind: KindString, Str: s, Raw: true} }

// BytesValue wraps a binary cell, truncating to chunkSize bytes and flagging
// Truncated if the original payload was larger.
func BytesValue(data []byte, chunkSize int) Value {
	length := len(data)
	if chunkSize > 0 && length > chunkSize {
		return Value{Kind: KindBytes, Bytes: Bytes{
			Data:      append([]byte(nil), data[:chunkSize]...),
			Length:    length,
			Truncated: true,
		}}
	}
	return Value{Kind: KindBytes, Bytes: Bytes{Data: append([]byte(nil), data...), Length: length}}
}

// TimestampValue wraps a zoned or zoneless date/time cell.
func TimestampValue(micros int64, hasOffset bool, offsetMin int) Value {
	return Value{Kind: KindTimestamp, Timestamp: Timestamp{Micros: micros, HasOffset: hasOffset, OffsetMin: offsetMin}}
}

// JSONValue wraps a parsed JSON scalar/array/object.
func JSONValue(parsed any) Value { return Value{Kind: KindJSON, JSON: parsed} }

// ArrayValue wraps a recursively-encoded array. Multi-dimensional native
// arrays are expected to already be flattened row-major by the caller with
// their own length metadata folded into nested arrays.
func ArrayValue(items []Value) Value { return Value{Kind: KindArray, Array: items} }

// MapValue wraps a row/composite/record cell.
func MapValue(m *OrderedMap) Value { return Value{Kind: KindMap, Map: m} }

// String renders a Value for debugging/logging only; never used for the
// wire representation handed to the UI.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "<null>"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		if v.FloatSidecar != "" {
			return v.FloatSidecar
		}
		return fmt.Sprintf("%v", v.Float)
	case KindDecimal:
		return v.Decimal
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("<%d bytes%s>", v.Bytes.Length, truncatedSuffix(v.Bytes.Truncated))
	case KindTimestamp:
		return fmt.Sprintf("<ts %d offset=%v>", v.Timestamp.Micros, v.Timestamp.HasOffset)
	case KindJSON:
		return fmt.Sprintf("%v", v.JSON)
	case KindArray:
		return fmt.Sprintf("<array len=%d>", len(v.Array))
	case KindMap:
		if v.Map == nil {
			return "<map>"
		}
		return fmt.Sprintf("<map len=%d>", v.Map.Len())
	default:
		return "<unknown>"
	}
}

func truncatedSuffix(truncated bool) string {
	if truncated {
		return ", truncated"
	}
	return ""
}
