package signal

import (
	"fmt"
	"regexp"
	"time"
)

// durationPattern accepts a positive integer count followed by a single
// unit suffix. No whitespace, no zero, no compound forms like "1h30m".
var durationPattern = regexp.MustCompile(`^([1-9][0-9]*)(s|m|h|d|w)$`)

var unitMillis = map[string]int64{
	"s": 1000,
	"m": 60 * 1000,
	"h": 60 * 60 * 1000,
	"d": 24 * 60 * 60 * 1000,
	"w": 7 * 24 * 60 * 60 * 1000,
}

// ParseDuration converts a window duration string such as "30m" or "2d"
// into milliseconds. The accepted units are s, m, h, d and w.
func ParseDuration(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <count><unit> with unit one of s,m,h,d,w", s)
	}
	var n int64
	for _, c := range m[1] {
		n = n*10 + int64(c-'0')
	}
	return n * unitMillis[m[2]], nil
}

// MustParseDuration is ParseDuration for trusted inputs, typically compiled
// definitions that were validated when stored.
func MustParseDuration(s string) int64 {
	ms, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return ms
}

// FormatDuration renders milliseconds back into the canonical duration
// string, choosing the largest unit that divides the value exactly.
// FormatDuration(ParseDuration(s)) == s for every canonical s; an input
// like "60s" comes back as "1m".
func FormatDuration(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	for _, unit := range []string{"w", "d", "h", "m"} {
		if ms%unitMillis[unit] == 0 {
			return fmt.Sprintf("%d%s", ms/unitMillis[unit], unit)
		}
	}
	return fmt.Sprintf("%ds", ms/unitMillis["s"])
}

// WindowDuration converts a duration string into a time.Duration.
func WindowDuration(s string) (time.Duration, error) {
	ms, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
