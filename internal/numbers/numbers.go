// Package numbers converts the loosely typed scalars that arrive on the
// wire (tickets as strings, timestamps as floats) into concrete Go types.
package numbers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AsFloat converts common scalar types into float64.
func AsFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if v == "" {
			return 0, fmt.Errorf("empty string")
		}
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported float type %T", val)
	}
}

// AsInt converts common scalar types into int64. Floats are truncated,
// which is what broker ticket and login fields need.
func AsInt(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		if v == "" {
			return 0, fmt.Errorf("empty string")
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", val)
	}
}

// AsUnix interprets a wire timestamp as a time. Signal emitters write unix
// seconds with a fractional part; some broker fields carry plain seconds.
func AsUnix(val any) (time.Time, error) {
	f, err := AsFloat(val)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}
