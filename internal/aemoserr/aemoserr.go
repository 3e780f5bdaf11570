// Package aemoserr defines the error taxonomy shared across the core.
// Every failure that crosses a component boundary carries one of these
// codes so that routers, the engine, and the API surface can translate
// it without string matching.
package aemoserr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	// CodeValidation covers malformed envelopes, paths, and topics.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeAuthentication covers bad or expired tokens and UUID mismatches.
	CodeAuthentication Code = "AUTHENTICATION_FAILED"
	// CodeDeviceNotFound is returned when a device lookup fails.
	CodeDeviceNotFound Code = "DEVICE_NOT_FOUND"
	// CodeInvalidDeviceUUID flags a syntactically invalid device UUID.
	CodeInvalidDeviceUUID Code = "INVALID_DEVICE_UUID"
	// CodeInvalidOrgID flags a syntactically invalid organization id.
	CodeInvalidOrgID Code = "INVALID_ORG_ID"
	// CodeDataCollectionTimeout wraps a deadline hit while gathering inputs.
	CodeDataCollectionTimeout Code = "DATA_COLLECTION_TIMEOUT"
	// CodeRuleChainTimeout wraps a deadline hit inside the interpreter.
	CodeRuleChainTimeout Code = "RULE_CHAIN_TIMEOUT"
	// CodeRuleEval covers unknown operators, invalid regexes, and type
	// mismatches an operator forbids.
	CodeRuleEval Code = "RULE_EVAL_ERROR"
	// CodeBackpressureRejected means admission control refused the event.
	CodeBackpressureRejected Code = "BACKPRESSURE_REJECTED"
	// CodeRouting is an internal invariant violation while routing.
	CodeRouting Code = "ROUTING_ERROR"
	// CodeUnknownMessageType means no handler exists for the message type.
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
)

// Error is a coded error with optional structured context. It wraps an
// underlying cause when one exists.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// With attaches a context key/value pair and returns the error for
// chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the Code from err, walking the wrap chain. Errors
// outside the taxonomy report an empty Code.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its
// wrap chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
