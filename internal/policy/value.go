package policy

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Value is a dynamically typed expression result: string, int64,
// bool or []string. nil is the empty value.
type Value interface{}

// ToString coerces v to text. Booleans become "1"/"0" so results
// compose in concatenations the way counters and flags expect.
func ToString(v Value) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case []string:
		return strings.Join(t, " "), nil
	default:
		return "", errors.Errorf("cannot coerce %T to string", v)
	}
}

// ToBool coerces v to a gate decision. Empty string, "0" and
// "false" are false; any other string is true.
func ToBool(v Value) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case string:
		return t != "" && t != "0" && t != "false", nil
	case []string:
		return len(t) > 0, nil
	default:
		return false, errors.Errorf("cannot coerce %T to bool", v)
	}
}

// ToInt coerces v to an integer; a non-numeric string is a hard
// evaluation error, never silently zero.
func ToInt(v Value) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errors.Errorf("cannot coerce '%s' to integer", t)
		}
		return n, nil
	default:
		return 0, errors.Errorf("cannot coerce %T to integer", v)
	}
}
