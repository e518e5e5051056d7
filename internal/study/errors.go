package study

import (
	"errors"
	"fmt"
)

// Error is a study-level failure surfaced to callers.
//
// Duplicate submissions are never errors: re-recording a trial or
// re-submitting a completed reflection succeeds without a write.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ParticipantID identifies the affected participant, if any.
	ParticipantID string

	// Err is the underlying cause (persistence failures).
	Err error
}

// ErrorCode categorizes study errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates an unknown participant or a rejected id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidRange indicates an overall trial number outside [0,49]
	// or a condition outside [0,4].
	ErrCodeInvalidRange ErrorCode = "INVALID_RANGE"

	// ErrCodeValidation indicates a malformed submission. Nothing was written.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodePersistence indicates an I/O failure during a read or write.
	ErrCodePersistence ErrorCode = "PERSISTENCE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ParticipantID != "" {
		msg = fmt.Sprintf("%s (participant=%s)", msg, e.ParticipantID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates an ErrCodeNotFound error.
func NotFound(participantID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...), ParticipantID: participantID}
}

// InvalidRange creates an ErrCodeInvalidRange error.
func InvalidRange(participantID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidRange, Message: fmt.Sprintf(format, args...), ParticipantID: participantID}
}

// Validation creates an ErrCodeValidation error.
func Validation(participantID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...), ParticipantID: participantID}
}

// Persistence wraps a storage failure.
func Persistence(participantID, op string, err error) *Error {
	return &Error{Code: ErrCodePersistence, Message: op + " failed", ParticipantID: participantID, Err: err}
}

// CodeOf returns the code of a study error, or "" if err is not one.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound returns true if err is an ErrCodeNotFound error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsInvalidRange returns true if err is an ErrCodeInvalidRange error.
func IsInvalidRange(err error) bool {
	return CodeOf(err) == ErrCodeInvalidRange
}

// IsValidation returns true if err is an ErrCodeValidation error.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsPersistence returns true if err is an ErrCodePersistence error.
func IsPersistence(err error) bool {
	return CodeOf(err) == ErrCodePersistence
}
