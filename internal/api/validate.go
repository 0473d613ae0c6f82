package api

import (
	"regexp"
	"time"
)

// extensionRe validates extension numbers: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// validateExtension checks that an extension number is digits only.
// Returns an error message if invalid, empty string if OK.
func validateExtension(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

// validateDate checks an optional date filter. Accepts YYYY-MM-DD or RFC 3339.
func validateDate(field, value string) string {
	if value == "" {
		return ""
	}
	if _, err := time.Parse("2006-01-02", value); err == nil {
		return ""
	}
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return ""
	}
	return field + " must be YYYY-MM-DD or RFC 3339"
}
