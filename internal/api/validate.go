package api

import (
	"unicode/utf8"
)

// maxShortStringLen is the maximum length for short identifiers (bridge ids,
// channels, endpoints, targets).
const maxShortStringLen = 128

// maxMetadataEntries caps the number of metadata key/value pairs per request.
const maxMetadataEntries = 32

// maxMetadataValueLen is the maximum length for a metadata value.
const maxMetadataValueLen = 500

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateMetadata bounds the size and content of a metadata map.
func validateMetadata(field string, metadata map[string]string) string {
	if len(metadata) > maxMetadataEntries {
		return field + " has too many entries"
	}
	for k, v := range metadata {
		if msg := validateRequiredStringLen(field+" key", k, maxShortStringLen); msg != "" {
			return msg
		}
		if msg := validateStringLen(field+" value", v, maxMetadataValueLen); msg != "" {
			return msg
		}
		if containsControlChars(k) || containsControlChars(v) {
			return field + " contains invalid characters"
		}
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
