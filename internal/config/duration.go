package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses an optional duration setting. Besides Go durations
// ("90s", "1m30s") it takes the clock form trainers write session lengths
// in: "MM:SS" or "HH:MM:SS". Empty means 0.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if strings.Contains(s, ":") {
		d, err = clockDuration(s)
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for an empty or zero value.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func clockDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many fields")
	}
	var secs int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad field %q", p)
		}
		// the leading field may overflow its unit ("90:00" is 90 minutes)
		if i > 0 && n > 59 {
			return 0, fmt.Errorf("field %q out of range", p)
		}
		secs = secs*60 + n
	}
	return time.Duration(secs) * time.Second, nil
}
