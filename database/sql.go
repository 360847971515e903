package database

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Rebind rewrites '?' placeholders as PostgreSQL positional parameters
// ($1, $2, ...). Question marks inside single-quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Timestamps are stored as unix milliseconds so both dialects compare them
// the same way.

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func FromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}

// NullString maps the empty string to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EncodeJSON marshals v for a TEXT column. Nil maps become "{}".
func EncodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeJSON is lenient: unreadable or empty metadata decodes to nil.
func DecodeJSON(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
