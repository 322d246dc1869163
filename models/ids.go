package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Snowflake is a chat-platform identifier for users, guilds, channels and roles. The zero value is
// never a valid id.
type Snowflake uint64

// ParseSnowflake parses a decimal snowflake string. Leading and trailing whitespace is ignored.
func ParseSnowflake(raw string) (Snowflake, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty id")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: not a decimal integer", raw)
	}
	// snowflakes are stored in signed 64-bit columns
	if v == 0 || v > 1<<63-1 {
		return 0, fmt.Errorf("invalid id %q: out of range", raw)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func (s Snowflake) Valid() bool {
	return s != 0 && uint64(s) <= 1<<63-1
}

// Snowflakes are serialized as JSON strings so that clients without 64-bit integers keep them intact.
func (s Snowflake) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Snowflake) UnmarshalText(b []byte) error {
	v, err := ParseSnowflake(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RoleSet is a set of guild role ids, persisted as a JSON array.
type RoleSet []Snowflake

func (rs RoleSet) Contains(id Snowflake) bool {
	for _, r := range rs {
		if r == id {
			return true
		}
	}
	return false
}

// Normalize returns the set with duplicates and zero ids removed, preserving first-seen order.
func (rs RoleSet) Normalize() RoleSet {
	out := make(RoleSet, 0, len(rs))
	seen := make(map[Snowflake]bool, len(rs))
	for _, r := range rs {
		if r == 0 || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
