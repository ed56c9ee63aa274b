// Package jmaperror defines JMAP method-level error values.
//
// A MethodError is returned in place of a method's normal response as
// ["error", {type, description?, ...}, callTag].
package jmaperror

import "fmt"

// MethodError is a JMAP method-level error.
type MethodError struct {
	Type        string
	Description string
	// Properties carries extra response members, such as newState on
	// cannotCalculateChanges.
	Properties map[string]any
	wrapped    error
}

func (e *MethodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

func (e *MethodError) Unwrap() error { return e.wrapped }

// ToMap renders the error as a JMAP error response payload.
func (e *MethodError) ToMap() map[string]any {
	m := map[string]any{"type": e.Type}
	if e.Description != "" {
		m["description"] = e.Description
	}
	for k, v := range e.Properties {
		m[k] = v
	}
	return m
}

// UnknownMethod indicates the request named a method with no handler.
func UnknownMethod(description string) *MethodError {
	return &MethodError{Type: "unknownMethod", Description: description}
}

// InvalidArguments indicates the method arguments were malformed or forbidden.
func InvalidArguments(description string) *MethodError {
	return &MethodError{Type: "invalidArguments", Description: description}
}

// InvalidResultReference indicates a back-reference could not be resolved.
func InvalidResultReference(description string) *MethodError {
	return &MethodError{Type: "invalidResultReference", Description: description}
}

// AccountNotFound indicates the accountId did not match the current account.
func AccountNotFound(description string) *MethodError {
	return &MethodError{Type: "accountNotFound", Description: description}
}

// AnchorNotFound indicates a query anchor id was not present in the results.
func AnchorNotFound(description string) *MethodError {
	return &MethodError{Type: "anchorNotFound", Description: description}
}

// UnsupportedFilter indicates the filter uses a property the method cannot
// search on.
func UnsupportedFilter(description string) *MethodError {
	return &MethodError{Type: "unsupportedFilter", Description: description}
}

// RequestTooLarge indicates the request exceeded a server limit.
func RequestTooLarge(description string) *MethodError {
	return &MethodError{Type: "requestTooLarge", Description: description}
}

// StateMismatch indicates ifInState did not match the current state.
func StateMismatch(description string) *MethodError {
	return &MethodError{Type: "stateMismatch", Description: description}
}

// CannotCalculateChanges indicates /changes cannot compute a delta from
// sinceState. newState carries the current state so the client can refetch.
func CannotCalculateChanges(description, newState string) *MethodError {
	return &MethodError{
		Type:        "cannotCalculateChanges",
		Description: description,
		Properties:  map[string]any{"newState": newState},
	}
}

// CannotCalculateQueryChanges is the /queryChanges variant; the current state
// is reported as newQueryState.
func CannotCalculateQueryChanges(description, newQueryState string) *MethodError {
	return &MethodError{
		Type:        "cannotCalculateChanges",
		Description: description,
		Properties:  map[string]any{"newQueryState": newQueryState},
	}
}

// ServerFail wraps an unexpected internal failure.
func ServerFail(description string, err error) *MethodError {
	return &MethodError{Type: "serverError", Description: description, wrapped: err}
}
