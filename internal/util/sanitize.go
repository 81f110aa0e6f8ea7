package util

import (
	"html"
	"os"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters from
// caller-supplied free-form strings before they reach logs or sinks.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// GetEnv returns an environment variable or the provided default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
