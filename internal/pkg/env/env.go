// Package env provides utilities for working with environment variables.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Int returns the variable parsed as an int, or the default when unset or
// unparseable.
func Int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// Uint64 returns the variable parsed as a uint64, or the default.
func Uint64(key string, defaultValue uint64) uint64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// Bool returns true when the variable is a truthy string ("1", "true", "yes").
func Bool(key string, defaultValue bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	switch raw {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Duration returns the variable parsed as a time.Duration, or the default.
// Plain integers are interpreted as seconds, matching the original
// second-denominated variables like BUILD_DELAY.
func Duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}
