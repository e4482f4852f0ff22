package store

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
)

// number is satisfied by json.Number and dynamodbattribute.Number.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// Normalize returns a deep copy of v converted to the value types items are
// stored with: string, bool, nil, int64 for integral numbers, float64 for
// other numbers, []byte, []interface{} and map[string]interface{}.
// Values of other types are returned unchanged.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x
	case float64:
		return normalizeFloat(x)
	case float32:
		return normalizeFloat(float64(x))
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, err := x.Float64()
		if err != nil {
			return v
		}
		return normalizeFloat(f)
	case []byte:
		return append([]byte(nil), x...)
	case []string:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = Normalize(x[i])
		}
		return out
	case Item:
		return map[string]interface{}(NormalizeItem(x))
	case map[string]interface{}:
		return map[string]interface{}(NormalizeItem(Item(x)))
	}
	return v
}

// normalizeUint keeps values too large for int64 as float64 rather than
// letting them wrap around.
func normalizeUint(x uint64) interface{} {
	if x > math.MaxInt64 {
		return float64(x)
	}
	return int64(x)
}

func normalizeFloat(f float64) interface{} {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// NormalizeItem returns a normalized deep copy of item. A nil item stays nil.
func NormalizeItem(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = Normalize(v)
	}
	return out
}

// Int64 interprets v as an integer. It accepts any numeric type and strings
// holding a base 10 integer. The second return value is false if v could not
// be interpreted.
func Int64(v interface{}) (int64, bool) {
	switch x := Normalize(v).(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// addNumbers adds two normalized numbers, keeping integers when possible.
func addNumbers(a, b interface{}, sign int64) interface{} {
	ai, aok := a.(int64)
	bi, bok := b.(int64)
	if aok && bok {
		return ai + sign*bi
	}
	return normalizeFloat(toFloat(a) + float64(sign)*toFloat(b))
}

// compareValues orders two normalized values. The second return value is false
// if the values are not of comparable types.
func compareValues(a, b interface{}) (int, bool) {
	if isNumber(a) && isNumber(b) {
		ai, aok := a.(int64)
		bi, bok := b.(int64)
		if aok && bok {
			switch {
			case ai < bi:
				return -1, true
			case ai > bi:
				return 1, true
			}
			return 0, true
		}
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x, y), true
	}
	return 0, false
}

// equalValues compares two normalized values for equality.
func equalValues(a, b interface{}) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// extractKey returns the key attributes of item according to schema.
func extractKey(schema Schema, item Item) (Item, error) {
	key := make(Item)
	for _, name := range schema.KeyNames() {
		v, ok := item[name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingKey, "%s: missing key attribute %s", schema.Table, name)
		}
		switch Normalize(v).(type) {
		case string, int64, float64, []byte:
		default:
			return nil, errors.Wrapf(ErrMissingKey, "%s: key attribute %s is not a scalar", schema.Table, name)
		}
		key[name] = Normalize(v)
	}
	return key, nil
}

// keyString validates key against schema and returns a canonical encoding of
// it suitable for use as a map or database key.
func keyString(schema Schema, key Item) (string, error) {
	if len(key) != len(schema.KeyNames()) {
		return "", errors.Wrapf(ErrMissingKey, "%s: key has %d attributes", schema.Table, len(key))
	}
	k, err := extractKey(schema, key)
	if err != nil {
		return "", err
	}
	var parts []interface{}
	for _, name := range schema.KeyNames() {
		parts = append(parts, k[name])
	}
	b, err := json.Marshal(parts)
	return string(b), err
}
