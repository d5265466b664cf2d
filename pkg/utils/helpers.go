package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string like "5m". An empty string yields def.
func ParseDuration(d string, def time.Duration) (time.Duration, error) {
	d = strings.TrimSpace(d)
	if d == "" {
		return def, nil
	}
	duration, err := time.ParseDuration(d)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", d, err)
	}
	return duration, nil
}

// ParseValue converts a text cell to int, float64 or the trimmed string.
func ParseValue(s string) interface{} {
	// Trim whitespace first
	s = strings.TrimSpace(s)

	// try int
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	// try float
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// GetEnv returns the environment value for key, or def when unset or blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvInt is GetEnv for integers. Unparseable values yield an error.
func GetEnvInt(key string, def int) (int, error) {
	v := GetEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}
