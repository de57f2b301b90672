package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FundingInterval is the fixed settlement cadence on Bybit perpetuals.
const FundingInterval = 8 * time.Hour

// NormalizeFundingTime converts any accepted representation of a funding
// instant into UTC. Accepted inputs: epoch milliseconds (int64/float64),
// a decimal string of epoch milliseconds, or an ISO-8601 timestamp.
func NormalizeFundingTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case int64:
		return fromEpochMillis(float64(t))
	case int:
		return fromEpochMillis(float64(t))
	case float64:
		return fromEpochMillis(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "-" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpochMillis(ms)
		}
		if ts, err := time.Parse(time.RFC3339, strings.Replace(s, "Z", "+00:00", 1)); err == nil {
			return ts.UTC(), true
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UTC(), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func fromEpochMillis(ms float64) (time.Time, bool) {
	if ms <= 0 {
		return time.Time{}, false
	}
	sec := int64(ms / 1000)
	nsec := int64(ms)%1000 * int64(time.Millisecond)
	return time.Unix(sec, nsec).UTC(), true
}

// NextFundingInstant returns the nearest funding instant strictly in the
// future. Stale timestamps are advanced by the fixed 8h interval until they
// pass now.
func NextFundingInstant(t, now time.Time) time.Time {
	for !t.After(now) {
		t = t.Add(FundingInterval)
	}
	return t
}

// SecondsToFunding returns the whole seconds remaining until the nearest
// future funding instant derived from v, or false when v does not parse.
func SecondsToFunding(v interface{}, now time.Time) (int64, bool) {
	t, ok := NormalizeFundingTime(v)
	if !ok {
		return 0, false
	}
	next := NextFundingInstant(t, now)
	return int64(next.Sub(now).Seconds()), true
}

// MinutesToFunding is SecondsToFunding expressed as fractional minutes,
// which is what the time-window filter consumes.
func MinutesToFunding(v interface{}, now time.Time) (float64, bool) {
	t, ok := NormalizeFundingTime(v)
	if !ok {
		return 0, false
	}
	next := NextFundingInstant(t, now)
	return next.Sub(now).Seconds() / 60.0, true
}

// FormatRemaining renders a duration as "Hh Mm Ss" with empty higher units
// suppressed, e.g. "4m 12s" or "37s". Inputs come pre-advanced, so a
// non-positive duration renders as "-".
func FormatRemaining(d time.Duration) string {
	total := int64(d.Seconds())
	if total <= 0 {
		return "-"
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatFundingCountdown combines normalization, the 8h advance and
// formatting; "-" when v carries no usable instant.
func FormatFundingCountdown(v interface{}, now time.Time) string {
	t, ok := NormalizeFundingTime(v)
	if !ok {
		return "-"
	}
	return FormatRemaining(NextFundingInstant(t, now).Sub(now))
}

// ParseRemaining inverts FormatRemaining at one-second resolution.
func ParseRemaining(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false
	}
	var total int64
	for _, part := range strings.Fields(s) {
		if len(part) < 2 {
			return 0, false
		}
		unit := part[len(part)-1]
		n, err := strconv.ParseInt(part[:len(part)-1], 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		switch unit {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		default:
			return 0, false
		}
	}
	return time.Duration(total) * time.Second, true
}
