// Package datemath resolves relative time expressions such as "now-6m",
// "now-1d/d" and absolute RFC 3339 timestamps.
package datemath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidDateMath is returned for expressions that cannot be resolved.
	ErrInvalidDateMath = errors.New("invalid date math")
	// ErrInvalidInterval is returned for unparseable schedule intervals.
	ErrInvalidInterval = errors.New("invalid interval")
)

// Parse resolves expr relative to now.
func Parse(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("%w: empty expression", ErrInvalidDateMath)
	}

	if !strings.HasPrefix(expr, "now") {
		if ts, err := time.Parse(time.RFC3339Nano, expr); err == nil {
			return ts.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateMath, expr)
	}

	t := now.UTC()
	rest := expr[len("now"):]
	for len(rest) > 0 {
		op := rest[0]
		rest = rest[1:]
		switch op {
		case '+', '-':
			n, unit, remaining, err := readAmount(rest)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidDateMath, expr, err)
			}
			if op == '-' {
				n = -n
			}
			t = add(t, n, unit)
			rest = remaining
		case '/':
			if rest == "" {
				return time.Time{}, fmt.Errorf("%w: %q: missing rounding unit", ErrInvalidDateMath, expr)
			}
			unit := rest[0]
			if !validUnit(unit) {
				return time.Time{}, fmt.Errorf("%w: %q: unknown unit %q", ErrInvalidDateMath, expr, unit)
			}
			t = floor(t, unit)
			rest = rest[1:]
		default:
			return time.Time{}, fmt.Errorf("%w: %q: unexpected %q", ErrInvalidDateMath, expr, op)
		}
	}
	return t, nil
}

// Unit returns the unit of the offset in a relative expression ("now-6m" -> "m").
// The second result is false for absolute timestamps and bare "now".
func Unit(expr string) (string, bool) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "now") {
		return "", false
	}
	rest := expr[len("now"):]
	unit := ""
	for len(rest) > 0 {
		op := rest[0]
		rest = rest[1:]
		switch op {
		case '+', '-':
			_, u, remaining, err := readAmount(rest)
			if err != nil {
				return "", false
			}
			unit = string(u)
			rest = remaining
		case '/':
			if rest == "" {
				return "", false
			}
			rest = rest[1:]
		default:
			return "", false
		}
	}
	return unit, unit != ""
}

// ParseInterval parses a schedule interval such as "30s", "5m", "1h" or "1d".
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q: unit must be one of s, m, h, d", ErrInvalidInterval, s)
	}
}

func readAmount(s string) (int, byte, string, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n := 1
	if i > 0 {
		v, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, 0, "", err
		}
		n = v
	}
	if i >= len(s) {
		return 0, 0, "", errors.New("missing unit")
	}
	unit := s[i]
	if !validUnit(unit) {
		return 0, 0, "", fmt.Errorf("unknown unit %q", unit)
	}
	return n, unit, s[i+1:], nil
}

func validUnit(u byte) bool {
	switch u {
	case 's', 'm', 'h', 'd', 'w', 'M', 'y':
		return true
	}
	return false
}

func add(t time.Time, n int, unit byte) time.Time {
	switch unit {
	case 's':
		return t.Add(time.Duration(n) * time.Second)
	case 'm':
		return t.Add(time.Duration(n) * time.Minute)
	case 'h':
		return t.Add(time.Duration(n) * time.Hour)
	case 'd':
		return t.AddDate(0, 0, n)
	case 'w':
		return t.AddDate(0, 0, 7*n)
	case 'M':
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(n, 0, 0)
	}
}

func floor(t time.Time, unit byte) time.Time {
	switch unit {
	case 's':
		return t.Truncate(time.Second)
	case 'm':
		return t.Truncate(time.Minute)
	case 'h':
		return t.Truncate(time.Hour)
	case 'd':
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case 'w':
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(d.Weekday()) + 6) % 7 // weeks start on Monday
		return d.AddDate(0, 0, -offset)
	case 'M':
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	}
}
