package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("not found")

	// ErrContention is returned when a write kept conflicting with concurrent
	// writers after bounded retries. The whole operation may be retried.
	ErrContention = eris.New("write contention")

	// ErrSyncTerminal is returned when an outcome is reported for a sync row
	// that is already completed or failed.
	ErrSyncTerminal = eris.New("sync row is terminal")
)

// ValidationCode classifies a rejected input.
type ValidationCode string

const (
	CodeUnknownEntity        ValidationCode = "unknown_entity"
	CodeInvalidEntityType    ValidationCode = "invalid_entity_type"
	CodeInvalidConfidence    ValidationCode = "invalid_confidence"
	CodeInvalidHalfLife      ValidationCode = "invalid_half_life"
	CodeMalformedFingerprint ValidationCode = "malformed_fingerprint"
	CodeMissingField         ValidationCode = "missing_field"
	CodeInvalidDerivation    ValidationCode = "invalid_derivation"
	CodeInvalidSupersession  ValidationCode = "invalid_supersession"
	CodeInvalidValue         ValidationCode = "invalid_value"
)

// ValidationError rejects caller input. It is never retried.
type ValidationError struct {
	Code    ValidationCode `json:"code"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

// NewValidationError formats a ValidationError.
func NewValidationError(code ValidationCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("validation: %s: %s: %s", e.Code, e.Field, e.Message)
}

// IsValidation reports whether err carries a ValidationError and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
