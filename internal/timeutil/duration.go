// Package timeutil provides the duration grammar shared by rule-chain
// expressions and device configuration, plus a clock seam for tests.
package timeutil

import (
	"regexp"
	"strconv"
	"time"
)

// durationRe matches the wire duration grammar: a decimal count followed
// by a single unit letter. "10s", "5m", "2h", "1d". Nothing else.
var durationRe = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// ParseMillis converts a wire duration string to milliseconds. Any input
// outside the grammar (including time.ParseDuration-style values such as
// "1h30m") returns 0, meaning "no duration". The grammar is total: it
// never returns an error.
func ParseMillis(s string) int64 {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Only reachable on counts that overflow int64.
		return 0
	}
	switch m[2] {
	case "s":
		return n * 1000
	case "m":
		return n * 60 * 1000
	case "h":
		return n * 60 * 60 * 1000
	case "d":
		return n * 24 * 60 * 60 * 1000
	}
	return 0
}

// ParseDuration converts a wire duration string to a time.Duration.
// Inputs outside the grammar return 0.
func ParseDuration(s string) time.Duration {
	return time.Duration(ParseMillis(s)) * time.Millisecond
}

// Clock abstracts time.Now so duration operators and TTL caches can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a test Clock that always returns T.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }
