package core

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

const DefaultSessionTTL = 30 * 24 * time.Hour

var sessionTTLPattern = regexp.MustCompile(`^(\d+)(d|h|m)$`)

type SessionConfig struct {
	TTL time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{TTL: DefaultSessionTTL}
}

// ParseSessionTTL reads durations such as "30d", "12h" or "15m". Anything
// else, including zero, yields DefaultSessionTTL.
func ParseSessionTTL(s string) time.Duration {
	m := sessionTTLPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultSessionTTL
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return DefaultSessionTTL
	}

	unit := time.Minute
	switch m[2] {
	case "d":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	}
	if n > math.MaxInt64/int64(unit) {
		return DefaultSessionTTL
	}
	return time.Duration(n) * unit
}
