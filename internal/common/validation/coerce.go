// internal/common/validation/coerce.go
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sheetbridge/pkg/contract"
)

var (
	truthy = map[string]bool{"1": true, "true": true, "t": true, "yes": true, "y": true, "on": true}
	falsy  = map[string]bool{"0": true, "false": true, "f": true, "no": true, "n": true, "off": true}
)

// Accepted ISO-8601 shapes. Values without an offset are taken as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

const dateLayout = "2006-01-02"

// coerce converts a decoded JSON value to the column type.
func coerce(value interface{}, typ string) (interface{}, error) {
	switch typ {
	case contract.TypeString, "":
		return toString(value), nil
	case contract.TypeNumber:
		return toNumber(value)
	case contract.TypeInteger:
		return toInteger(value)
	case contract.TypeBoolean:
		return toBoolean(value)
	case contract.TypeDatetime:
		t, err := toTime(value)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case contract.TypeDate:
		t, err := toTime(value)
		if err != nil {
			return nil, err
		}
		return t.Format(dateLayout), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toNumber(value interface{}) (interface{}, error) {
	var f float64
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, err
		}
		f = parsed
	case float64:
		f = v
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, err
		}
		f = parsed
	default:
		return nil, fmt.Errorf("not a number: %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("not a finite number")
	}
	return f, nil
}

func toInteger(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return integralFloat(v.String())
	case float64:
		return integralValue(v)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		return integralFloat(s)
	default:
		return nil, fmt.Errorf("not an integer: %T", value)
	}
}

func integralFloat(s string) (interface{}, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return integralValue(f)
}

func integralValue(f float64) (interface{}, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return nil, fmt.Errorf("not an integral value: %v", f)
	}
	return int64(f), nil
}

func toBoolean(value interface{}) (interface{}, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	s := strings.ToLower(strings.TrimSpace(toString(value)))
	switch {
	case truthy[s]:
		return true, nil
	case falsy[s]:
		return false, nil
	default:
		return nil, fmt.Errorf("not a boolean token: %q", s)
	}
}

func toTime(value interface{}) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a date/time string: %T", value)
	}
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not ISO-8601: %q", s)
}
