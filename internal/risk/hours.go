package risk

import (
	"fmt"
	"time"
)

// HoursConfig is a UTC trading window in "HH:MM". End before Start wraps past midnight.
// Empty or equal bounds mean always open.
type HoursConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Hours is a parsed trading window.
type Hours struct {
	start, end int
	enabled    bool
}

// ParseHours validates the window.
func ParseHours(cfg HoursConfig) (Hours, error) {
	if cfg.Start == "" && cfg.End == "" {
		return Hours{}, nil
	}
	start, err := parseClock(cfg.Start)
	if err != nil {
		return Hours{}, err
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return Hours{}, err
	}
	return Hours{start: start, end: end, enabled: start != end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Open reports whether now falls inside the window.
func (h Hours) Open(now time.Time) bool {
	if !h.enabled {
		return true
	}
	utc := now.UTC()
	m := utc.Hour()*60 + utc.Minute()
	if h.start < h.end {
		return m >= h.start && m < h.end
	}
	return m >= h.start || m < h.end
}
