package models

import (
	"bytes"
	"fmt"
	"time"
)

// localLayout is how the relay serializes timestamps: ISO-8601 without
// a zone. Such values are taken as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// Time is a timestamp that accepts both RFC 3339 and zone-less ISO-8601
// values on decode. It always encodes as RFC 3339.
type Time struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Time {
	return Time{Time: t}
}

// ParseTime parses an RFC 3339 or zone-less ISO-8601 timestamp.
func ParseTime(s string) (Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Time{Time: t}, nil
	}

	t, err := time.ParseInLocation(localLayout, s, time.UTC)
	if err != nil {
		return Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	return Time{Time: t}, nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a string, got %s", data)
	}

	s := string(data[1 : len(data)-1])
	if s == "" {
		*t = Time{}
		return nil
	}

	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}
