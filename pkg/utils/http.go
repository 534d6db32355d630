package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"personadb/pkg/apperr"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError writes a plain error envelope.
func JSONError(w http.ResponseWriter, msg string, status int) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteAppError maps an application error to an HTTP response. Unknown
// errors become 500s without leaking internals.
func WriteAppError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	body := map[string]any{
		"error": ae.Message,
		"code":  string(ae.Code),
	}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	WriteJSON(w, StatusForCode(ae.Code), body)
}

// StatusForCode maps error codes to HTTP statuses.
func StatusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeValidationFailed, apperr.CodeMissingCustomDays:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAccessDenied:
		return http.StatusForbidden
	case apperr.CodeAliasTaken, apperr.CodeAliasConflict, apperr.CodeScheduleConflict,
		apperr.CodeActiveUsageConflict, apperr.CodeProtectedIdentity,
		apperr.CodeNoReplacementDefault, apperr.CodeCannotUnprotectDefault,
		apperr.CodeNotUsable:
		return http.StatusConflict
	case apperr.CodeLimitExceeded, apperr.CodeProtectionSlotsFull,
		apperr.CodeForwardChainExceeded, apperr.CodeForwardingDisabled,
		apperr.CodeAttributionRequired:
		return http.StatusUnprocessableEntity
	case apperr.CodeTransactionFailed, apperr.CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
