package config

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/recurring"
)

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

// ParseScheduleDuration is ParseDurationField that also accepts "infinite"
// and "never", both mapping to recurring.Infinite.
func ParseScheduleDuration(path, raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "infinite", "never", "inf":
		return recurring.Infinite, nil
	}
	return ParseDurationField(path, raw)
}
