package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDurationMs accepts an int (interpreted as seconds), a numeric
// string, or a Go duration string ("45s", "1m", "2h") and returns
// milliseconds. A bare numeric string is also interpreted as seconds, to
// match manifest.yaml's "timeout: 45" convention.
func parseDurationMs(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(val) * 1000, nil
	case int64:
		return val * 1000, nil
	case float64:
		return int64(val * 1000), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(secs * 1000), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", val, err)
		}
		return d.Milliseconds(), nil
	default:
		return 0, fmt.Errorf("unsupported duration value type %T", v)
	}
}

// parseByteSize accepts an int (bytes) or a string with a unit suffix
// ("5mb", "512kb") and returns bytes.
func parseByteSize(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return parseByteSizeString(val)
	default:
		return 0, fmt.Errorf("unsupported body size value type %T", v)
	}
}

// byteSizeUnits is ordered longest-suffix-first: "mb" must be checked
// before "b", or a value like "5mb" would match the shorter "b" suffix
// depending on iteration order.
var byteSizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"b", 1},
}

func parseByteSizeString(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteSizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid body size %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size %q: %w", s, err)
	}
	return n, nil
}
