package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate is an admission rate written as "count/window" in YAML, for
// example "100/s", "10/m", or "5/100ms".
type Rate struct {
	// Count is the number of admissions per window.
	Count int64

	// Per is the window duration.
	Per time.Duration
}

// bareUnits maps a window written without a count ("s", "ms") to one
// unit of that duration.
var bareUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseRate parses a "count/window" rate specification.
func ParseRate(s string) (Rate, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("invalid rate %q: expected count/window", s)
	}

	count, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate %q: bad count: %w", s, err)
	}
	if count <= 0 {
		return Rate{}, fmt.Errorf("invalid rate %q: count must be positive", s)
	}

	window := strings.TrimSpace(parts[1])
	per, ok := bareUnits[window]
	if !ok {
		per, err = time.ParseDuration(window)
		if err != nil {
			return Rate{}, fmt.Errorf("invalid rate %q: bad window: %w", s, err)
		}
	}
	if per <= 0 {
		return Rate{}, fmt.Errorf("invalid rate %q: window must be positive", s)
	}

	return Rate{Count: count, Per: per}, nil
}

// PerSecond returns the rate normalized to admissions per second.
func (r Rate) PerSecond() float64 {
	if r.Per <= 0 {
		return 0
	}
	return float64(r.Count) / r.Per.Seconds()
}

// IsZero reports whether the rate is unset.
func (r Rate) IsZero() bool {
	return r.Count == 0 && r.Per == 0
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Per)
}

// UnmarshalYAML accepts the "count/window" string form.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML emits the "count/window" string form.
func (r Rate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}
