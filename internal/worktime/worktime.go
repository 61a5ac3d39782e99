// Package worktime evaluates queue business-hours windows.
package worktime

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Window is a weekly open interval in the config's timezone. Day follows
// time.Weekday numbering (0 = Sunday). Start is inclusive, End exclusive.
type Window struct {
	Day   int    `json:"day" yaml:"day"`
	Start string `json:"start" yaml:"start"` // "HH:mm"
	End   string `json:"end" yaml:"end"`     // "HH:mm"
}

// Config is the business-hours configuration of a queue. A nil Config or one
// without windows means the queue is always open.
type Config struct {
	Timezone string   `json:"timezone" yaml:"timezone"`
	Windows  []Window `json:"windows" yaml:"windows"`
}

// Empty reports whether the config has no windows.
func (c *Config) Empty() bool {
	return c == nil || len(c.Windows) == 0
}

// Validate checks the timezone and every window.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
	}
	for i, w := range c.Windows {
		if w.Day < 0 || w.Day > 6 {
			return fmt.Errorf("window %d: day must be between 0 and 6, got %d", i, w.Day)
		}
		start, ok := parseHHMM(w.Start)
		if !ok {
			return fmt.Errorf("window %d: invalid start %q", i, w.Start)
		}
		end, ok := parseHHMM(w.End)
		if !ok {
			return fmt.Errorf("window %d: invalid end %q", i, w.End)
		}
		if start >= end {
			return fmt.Errorf("window %d: start %s must be before end %s", i, w.Start, w.End)
		}
	}
	return nil
}

// Location returns the config's timezone. An empty or unknown timezone
// resolves to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("worktime: unknown timezone, using UTC", "timezone", c.Timezone, "error", err)
		return time.UTC
	}
	return loc
}

// span is a parsed window in minutes since local midnight.
type span struct {
	day   int
	start int
	end   int
}

// spans returns the valid windows sorted by day then start. Malformed
// windows are skipped.
func (c *Config) spans() []span {
	out := make([]span, 0, len(c.Windows))
	for _, w := range c.Windows {
		if w.Day < 0 || w.Day > 6 {
			continue
		}
		start, ok := parseHHMM(w.Start)
		if !ok {
			continue
		}
		end, ok := parseHHMM(w.End)
		if !ok || start >= end {
			continue
		}
		out = append(out, span{day: w.Day, start: start, end: end})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].day != out[j].day {
			return out[i].day < out[j].day
		}
		return out[i].start < out[j].start
	})
	return out
}

// IsWithinWindow reports whether ts falls inside one of the config's
// windows, evaluated on the local day of week and minute in the config's
// timezone. A call exactly at a window's closing minute is outside it.
func IsWithinWindow(ts time.Time, cfg *Config) bool {
	if cfg.Empty() {
		return true
	}

	local := ts.In(cfg.Location())
	day := int(local.Weekday())
	now := local.Hour()*60 + local.Minute()

	for _, s := range cfg.spans() {
		if s.day == day && now >= s.start && now < s.end {
			return true
		}
	}
	return false
}

// NextWindowStart returns the earliest instant at or after after when the
// queue is open. If after is already inside a window it is returned
// unchanged, as it is when the config has no windows.
func NextWindowStart(after time.Time, cfg *Config) time.Time {
	if cfg.Empty() {
		return after
	}
	spans := cfg.spans()
	if len(spans) == 0 {
		return after
	}

	local := after.In(cfg.Location())
	today := int(local.Weekday())
	now := local.Hour()*60 + local.Minute()

	for offset := 0; offset <= 7; offset++ {
		day := (today + offset) % 7
		for _, s := range spans {
			if s.day != day {
				continue
			}
			if offset == 0 {
				if s.start <= now && s.end > now {
					return after
				}
				if s.start > now {
					return startOf(after, local, offset, s.start)
				}
				continue
			}
			return startOf(after, local, offset, s.start)
		}
	}

	// Unreachable for a config with at least one valid window.
	first := spans[0]
	offset := (first.day - today + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return startOf(after, local, offset, first.start)
}

// startOf builds the local instant offset days after local's date at the
// given minute of the day, and returns it in after's location. time.Date
// resolves DST gaps in the config timezone.
func startOf(after, local time.Time, offset, minute int) time.Time {
	target := time.Date(local.Year(), local.Month(), local.Day()+offset,
		minute/60, minute%60, 0, 0, local.Location())
	return after.Add(target.Sub(local))
}

// parseHHMM parses an "HH:mm" string into minutes since midnight. "24:00"
// is accepted so a window can run to the end of the day.
func parseHHMM(s string) (int, bool) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, false
	}
	if h == 24 && m == 0 {
		return 24 * 60, true
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
