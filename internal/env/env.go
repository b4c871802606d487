// Package env reads configuration from environment variables with fallbacks.
package env

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// Int returns key parsed as an integer, or fallback if unset or invalid.
func Int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", val)
		return fallback
	}
	return n
}

// Bool returns key parsed as a boolean, or fallback if unset or invalid.
func Bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment", "key", key, "value", val)
		return fallback
	}
	return b
}

// List splits a comma separated variable, dropping empty items.
func List(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(Str(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Level maps a log level name to a slog level. Unknown names are info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
