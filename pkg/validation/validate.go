package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"personadb/pkg/apperr"
)

const (
	MinAliasLen = 2
	MaxAliasLen = 50

	MaxDisplayNameLen = 100
	MaxBodyLen        = 64 * 1024
	MaxBulkItems      = 10
)

var aliasRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NormalizeAlias lowercases an alias for uniqueness comparisons. Display
// casing is preserved elsewhere.
func NormalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// ValidateAlias checks alias shape: length and allowed character set.
func ValidateAlias(alias string) error {
	a := strings.TrimSpace(alias)
	if n := utf8.RuneCountInString(a); n < MinAliasLen || n > MaxAliasLen {
		return apperr.Newf(apperr.CodeValidationFailed, "alias must be %d-%d characters", MinAliasLen, MaxAliasLen)
	}
	if !aliasRe.MatchString(a) {
		return apperr.New(apperr.CodeValidationFailed, "alias may contain only letters, digits, underscore and hyphen")
	}
	return nil
}

// ValidateDisplayName bounds the optional display name.
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return apperr.Newf(apperr.CodeValidationFailed, "display name exceeds %d characters", MaxDisplayNameLen)
	}
	return nil
}

// ValidateBody bounds message body text.
func ValidateBody(body string) error {
	if body == "" {
		return apperr.New(apperr.CodeValidationFailed, "message body is empty")
	}
	if len(body) > MaxBodyLen {
		return apperr.Newf(apperr.CodeValidationFailed, "message body exceeds %d bytes", MaxBodyLen)
	}
	return nil
}

// ValidateBulkSize bounds the item count of a bulk request.
func ValidateBulkSize(n int) error {
	if n == 0 {
		return apperr.New(apperr.CodeValidationFailed, "bulk request has no items")
	}
	if n > MaxBulkItems {
		return apperr.Newf(apperr.CodeValidationFailed, "bulk request exceeds %d items", MaxBulkItems)
	}
	return nil
}
