package value

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Encoder converts a single native driver cell, already pulled out of
// *sql.Rows via Scan into an `any` destination, into a Value. Each adapter
// owns one Encoder implementing the §4.1 policy table for its dialect; the
// default Encoder below covers everything database/sql's generic scanning
// already normalizes (it is what the SQLite, Postgres and MSSQL adapters
// start from, narrowing only where their driver diverges).
type Encoder struct {
	// BytesChunkSize is the threshold (bytes.chunk_size) above which binary
	// cells are summarized rather than fully materialized. Zero means "no
	// truncation".
	BytesChunkSize int
	// JSONMinLength below which a string is not even attempted as JSON
	// (cheap heuristic to avoid parsing ordinary short text).
	JSONMinLength int
}

// NewEncoder returns an Encoder with the given chunk size, matching the
// bytes.chunk_size default of 4 KiB from §4.1 when size <= 0.
func NewEncoder(chunkSize int) Encoder {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return Encoder{BytesChunkSize: chunkSize, JSONMinLength: 2}
}

// Encode classifies a value scanned out of database/sql's generic `any`
// destination (as produced by scanning into *any, which yields the driver's
// own native Go types: int64, float64, bool, []byte, string, time.Time, nil,
// or a driver.Valuer result) into a Value.
func (e Encoder) Encode(native any) Value {
	switch v := native.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(v)
	case int64:
		return IntValue(v)
	case int32:
		return IntValue(int64(v))
	case int:
		return IntValue(int64(v))
	case float64:
		return e.encodeFloat(v)
	case float32:
		return e.encodeFloat(float64(v))
	case []byte:
		return e.encodeBytesOrText(v)
	case string:
		return e.encodeString(v)
	case sql.NullBool:
		if !v.Valid {
			return Null()
		}
		return BoolValue(v.Bool)
	case sql.NullInt64:
		if !v.Valid {
			return Null()
		}
		return IntValue(v.Int64)
	case sql.NullFloat64:
		if !v.Valid {
			return Null()
		}
		return e.encodeFloat(v.Float64)
	case sql.NullString:
		if !v.Valid {
			return Null()
		}
		return e.encodeString(v.String)
	case sql.NullTime:
		if !v.Valid {
			return Null()
		}
		return e.encodeTime(v.Time)
	case time.Time:
		return e.encodeTime(v)
	default:
		return RawValue(fmt.Sprintf("%v", native))
	}
}

// encodeTime treats a time.Time with a named, non-UTC zone as carrying an
// explicit offset; UTC (the zero Location or explicit "UTC") is treated as
// offset-less per the "timestamp without zone" row of the policy table,
// since database/sql drivers normalize zoneless columns to UTC.
func (e Encoder) encodeTime(t time.Time) Value {
	name, offsetSec := t.Zone()
	hasOffset := name != "UTC" && name != ""
	return TimestampValue(t.UnixMicro(), hasOffset, offsetSec/60)
}

func (e Encoder) encodeFloat(f float64) Value {
	switch {
	case math.IsNaN(f):
		return FloatSidecarValue("nan")
	case math.IsInf(f, 1):
		return FloatSidecarValue("+inf")
	case math.IsInf(f, -1):
		return FloatSidecarValue("-inf")
	default:
		return FloatValue(f)
	}
}

// encodeBytesOrText handles the common database/sql ambiguity where TEXT and
// BLOB columns both scan into []byte. Attempts JSON first, then falls back
// to UTF-8 string (replacement-character tolerant) or truncated bytes only
// once the content looks genuinely binary.
func (e Encoder) encodeBytesOrText(raw []byte) Value {
	if looksLikeText(raw) {
		return e.encodeString(string(raw))
	}
	return BytesValue(raw, e.BytesChunkSize)
}

func (e Encoder) encodeString(s string) Value {
	if len(s) >= e.JSONMinLength {
		if parsed, ok := tryParseJSON(s); ok {
			return JSONValue(parsed)
		}
	}
	return StringValue(s)
}

func tryParseJSON(s string) (any, bool) {
	trimmed := s
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 {
		return nil, false
	}
	switch trimmed[0] {
	case '{', '[', '"':
	default:
		// Bare numbers/true/false/null are also valid JSON scalars but are
		// far too easy to confuse with ordinary text; only object/array/
		// string literals are treated as JSON-scalar cells.
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// looksLikeText is a cheap heuristic: database/sql hands back []byte for
// both TEXT and BLOB columns under several drivers, so content counts as
// text only if it is well-formed UTF-8 and contains no NUL byte.
func looksLikeText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}
