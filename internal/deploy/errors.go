package deploy

import (
	"errors"
	"fmt"
)

// ValidationCode categorizes deployment rejections.
type ValidationCode string

const (
	// CodeMalformed indicates the input is not a structurally valid module.
	CodeMalformed ValidationCode = "MALFORMED"

	// CodeSignatureMismatch indicates the import/export contract is not met:
	// wrong or extra imports, missing or extra exports, wrong signatures, or
	// a memory minimum above the ceiling.
	CodeSignatureMismatch ValidationCode = "SIGNATURE_MISMATCH"
)

// ValidationError rejects a module. It is never retried.
type ValidationError struct {
	// Code identifies the rejection category.
	Code ValidationCode

	// Message is a human-readable description.
	Message string

	// Err is the underlying parser error, if any.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func malformed(err error, format string, args ...any) *ValidationError {
	return &ValidationError{Code: CodeMalformed, Message: fmt.Sprintf(format, args...), Err: err}
}

func mismatch(format string, args ...any) *ValidationError {
	return &ValidationError{Code: CodeSignatureMismatch, Message: fmt.Sprintf(format, args...)}
}

// AsValidationError extracts a ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsMalformed reports whether err rejected a structurally invalid module.
func IsMalformed(err error) bool {
	ve, ok := AsValidationError(err)
	return ok && ve.Code == CodeMalformed
}

// IsSignatureMismatch reports whether err rejected a contract violation.
func IsSignatureMismatch(err error) bool {
	ve, ok := AsValidationError(err)
	return ok && ve.Code == CodeSignatureMismatch
}
