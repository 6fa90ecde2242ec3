package retry

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

// DefaultBackoff is the wait before re-sending after the 1st, 2nd, ... failed attempt.
var DefaultBackoff = []time.Duration{
	time.Second,
	4 * time.Second,
	16 * time.Second,
	time.Minute,
	4 * time.Minute,
}

// Schedule decides when a pending delivery that already failed becomes due again.
type Schedule struct {
	Backoff   []time.Duration
	JitterPct float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// ParseBackoff reads a comma separated list of durations such as "1s,4s,16s".
// Unparseable entries are skipped; an empty result falls back to DefaultBackoff.
func ParseBackoff(s string) []time.Duration {
	var out []time.Duration
	for _, p := range strings.Split(s, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err == nil && d >= 0 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return append([]time.Duration(nil), DefaultBackoff...)
	}
	return out
}

// Delay returns the jittered wait after the given number of failed attempts (1-based).
func (s Schedule) Delay(attempts int) time.Duration {
	schedule := s.Backoff
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]

	rnd := s.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	// jitter: +/- JitterPct
	j := 1 + (rnd()*2-1)*s.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// Due reports whether a pending row may be sent at now. Rows that were never attempted are
// always due.
func (s Schedule) Due(attempts int, lastAttempt *time.Time, now time.Time) bool {
	if attempts == 0 || lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(s.Delay(attempts)))
}

// ClassifyReason labels a failed attempt for metrics and logs.
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		var te interface{ Timeout() bool }
		if errors.As(doErr, &te) && te.Timeout() {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
