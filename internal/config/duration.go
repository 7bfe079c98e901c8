package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the file (engine.min_delay, engine.poll_tick, channel
// timeouts, schedule.scan_interval, ...) are Go duration strings. The empty
// string parses as zero so omitted fields fall through to each service's own
// default. path names the offending field in the returned error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for zero, for fields whose zero
// value is not usable (pprof.idle_timeout).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
