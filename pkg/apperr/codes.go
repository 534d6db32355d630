package apperr

// Code identifies a policy or validation failure kind. Codes are stable
// strings so callers can branch on them and render user-facing messages.
type Code string

const (
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeAliasTaken             Code = "ALIAS_TAKEN"
	CodeAliasConflict          Code = "ALIAS_CONFLICT"
	CodeLimitExceeded          Code = "LIMIT_EXCEEDED"
	CodeProtectionSlotsFull    Code = "PROTECTION_SLOTS_FULL"
	CodeCannotUnprotectDefault Code = "CANNOT_UNPROTECT_DEFAULT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeAccessDenied           Code = "ACCESS_DENIED"
	CodeNotUsable              Code = "NOT_USABLE"
	CodeScheduleConflict       Code = "SCHEDULE_CONFLICT"
	CodeMissingCustomDays      Code = "MISSING_CUSTOM_DAYS"
	CodeProtectedIdentity      Code = "PROTECTED_IDENTITY"
	CodeNoReplacementDefault   Code = "NO_REPLACEMENT_DEFAULT"
	CodeForwardChainExceeded   Code = "FORWARD_CHAIN_EXCEEDED"
	CodeForwardingDisabled     Code = "FORWARDING_DISABLED"
	CodeAttributionRequired    Code = "ATTRIBUTION_REQUIRED"
	CodeActiveUsageConflict    Code = "ACTIVE_USAGE_CONFLICT"
	CodeTransactionFailed      Code = "TRANSACTION_FAILED"
	CodeInternal               Code = "INTERNAL"
)
