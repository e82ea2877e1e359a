package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// TimeLayout is a fixed-width UTC layout, so formatted times sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Normalize converts values to the canonical column types shared by all engines.
func Normalize(values Values) (Values, error) {
	out := make(Values, len(values))

	for column, value := range values {
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q has type %T", ErrUnsupportedValue, column, value)
		}

		out[column] = normalized
	}

	return out, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, int64, float64, bool:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case time.Time:
		return FormatTime(v), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return FormatTime(*v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return nil, ErrUnsupportedValue
	}
}

// EncodeValues serializes values as a JSON object.
func EncodeValues(values Values) ([]byte, error) {
	if values == nil {
		values = Values{}
	}

	return codec.Marshal(values)
}

// DecodeValues parses a JSON object produced by EncodeValues.
// Integral numbers come back as int64, all others as float64.
func DecodeValues(data []byte) (Values, error) {
	raw := make(map[string]any)

	decoder := codec.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}

	values := make(Values, len(raw))
	for column, value := range raw {
		number, ok := value.(json.Number)
		if !ok {
			values[column] = value
			continue
		}

		if n, err := number.Int64(); err == nil {
			values[column] = n
			continue
		}

		f, err := number.Float64()
		if err != nil {
			return nil, err
		}
		values[column] = f
	}

	return values, nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}
