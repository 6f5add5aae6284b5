// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package warehouse

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ColumnType is a Postgres type the warehouse writes.
type ColumnType string

const (
	TypeBigInt    ColumnType = "bigint"
	TypeDouble    ColumnType = "double precision"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamptz"
	TypeDate      ColumnType = "date"
	TypeJSON      ColumnType = "jsonb"
	TypeText      ColumnType = "text"

	// TypeUnknown marks a column with no non-nil values in a batch.
	// EnsureTable keeps the stored type for it.
	TypeUnknown ColumnType = ""
)

// typeFromCatalog maps information_schema.columns.data_type to ColumnType.
func typeFromCatalog(dataType string) ColumnType {
	switch dataType {
	case "bigint", "integer", "smallint":
		return TypeBigInt
	case "double precision", "real", "numeric":
		return TypeDouble
	case "boolean":
		return TypeBoolean
	case "timestamp with time zone", "timestamp without time zone":
		return TypeTimestamp
	case "date":
		return TypeDate
	case "jsonb", "json":
		return TypeJSON
	default:
		return TypeText
	}
}

// InferType picks the narrowest column type that can hold every non-nil
// value. An all-nil column is text.
func InferType(values []any) ColumnType {
	if t := InferKnownType(values); t != TypeUnknown {
		return t
	}
	return TypeText
}

// InferKnownType is InferType except that it returns TypeUnknown when
// there is no non-nil value to infer from.
func InferKnownType(values []any) ColumnType {
	result := TypeUnknown
	for _, v := range values {
		t := classify(v)
		if t == TypeUnknown {
			continue
		}
		result = Widen(result, t)
		if result == TypeText {
			return TypeText
		}
	}
	return result
}

// Widen returns the type that can hold values of both a and b.
// The empty type is the identity.
func Widen(a, b ColumnType) ColumnType {
	switch {
	case a == "":
		return b
	case b == "", a == b:
		return a
	case isNumeric(a) && isNumeric(b):
		return TypeDouble
	case isTemporal(a) && isTemporal(b):
		return TypeTimestamp
	default:
		return TypeText
	}
}

func isNumeric(t ColumnType) bool  { return t == TypeBigInt || t == TypeDouble }
func isTemporal(t ColumnType) bool { return t == TypeDate || t == TypeTimestamp }

const dateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func classify(v any) ColumnType {
	switch x := v.(type) {
	case nil:
		return ""
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return TypeBigInt
	case uint, uint64:
		if reflect.ValueOf(x).Uint() > math.MaxInt64 {
			return TypeDouble
		}
		return TypeBigInt
	case float32, float64:
		return TypeDouble
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeBigInt
		}
		return TypeDouble
	case bool:
		return TypeBoolean
	case time.Time:
		return TypeTimestamp
	case string:
		return classifyString(x)
	case []byte:
		return TypeText
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return TypeJSON
	default:
		return TypeText
	}
}

// classifyString recognizes numbers, dates and timestamps in string form.
// Integers with leading zeros (zip codes, account numbers) stay text.
func classifyString(s string) ColumnType {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if looksNumeric(s) {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return TypeBigInt
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return TypeDouble
		}
	}
	if len(s) == len(dateLayout) {
		if _, err := time.Parse(dateLayout, s); err == nil {
			return TypeDate
		}
	}
	if _, ok := parseTimestamp(s); ok {
		return TypeTimestamp
	}
	return TypeText
}

func looksNumeric(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" || (digits[0] < '0' || digits[0] > '9') && digits[0] != '.' {
		return false
	}
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return false
	}
	return true
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Coerce converts a raw value into the Go type pgx encodes for t.
func Coerce(v any, t ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && t != TypeText {
		return nil, nil
	}

	switch t {
	case TypeBigInt:
		return toInt64(v)
	case TypeDouble:
		return toFloat64(v)
	case TypeBoolean:
		return toBool(v)
	case TypeTimestamp:
		return toTime(v, false)
	case TypeDate:
		return toTime(v, true)
	case TypeJSON:
		if b, ok := v.([]byte); ok && json.Valid(b) {
			return b, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return b, nil
	default:
		return toText(v)
	}
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case float32:
		return toInt64(float64(x))
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows bigint", u)
		}
		return int64(u), nil
	}
	return nil, fmt.Errorf("cannot convert %T to bigint", v)
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("cannot convert %T to double precision", v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

func toTime(v any, dateOnly bool) (any, error) {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		x = strings.TrimSpace(x)
		if parsed, err := time.Parse(dateLayout, x); err == nil {
			t = parsed
		} else if parsed, ok := parseTimestamp(x); ok {
			t = parsed
		} else {
			return nil, fmt.Errorf("cannot parse %q as a time", x)
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to a time", v)
	}
	if dateOnly {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return t.UTC(), nil
}

func toText(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}
