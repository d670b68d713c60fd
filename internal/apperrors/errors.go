/*
 *  Copyright 2025 Gravitational, Inc
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

// Package apperrors provides the structured error taxonomy used across the
// gateway. Every fallible operation below the HTTP layer returns an
// *AppError (or a plain error wrapped by one); the HTTP layer is the only
// place that converts these into status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError. Values line up with the failure taxonomy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindUnavailable    Kind = "unavailable"
	KindGatewayTimeout Kind = "gateway_timeout"
	KindInternal       Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindAuthentication:  http.StatusUnauthorized,
	KindAuthorization:   http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindRateLimited:     http.StatusTooManyRequests,
	KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	KindUnavailable:     http.StatusServiceUnavailable,
	KindGatewayTimeout:  http.StatusGatewayTimeout,
	KindInternal:        http.StatusInternalServerError,
}

// AppError is a structured, kind-tagged error. It never carries a stack
// trace in its user-visible Message; Cause is for internal logging only.
type AppError struct {
	Kind       Kind
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError of the given kind with the status code derived
// from the kind table.
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusByKind[kind],
	}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind to an existing error, preserving it as Cause.
func Wrap(cause error, kind Kind, message string) *AppError {
	err := New(kind, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with formatting of the message.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional, non-sensitive detail to the error. It
// mutates and returns the receiver for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with formatting.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// StatusCode returns the HTTP status code for err, defaulting to 500 for
// errors that are not *AppError.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func NewValidationError(message string) *AppError     { return New(KindValidation, message) }
func NewNotFoundError(resource string) *AppError       { return Newf(KindNotFound, "%s not found", resource) }
func NewAuthenticationError(message string) *AppError  { return New(KindAuthentication, message) }
func NewConflictError(message string) *AppError        { return New(KindConflict, message) }
func NewRateLimitedError(message string) *AppError     { return New(KindRateLimited, message) }
func NewPayloadTooLargeError(message string) *AppError { return New(KindPayloadTooLarge, message) }
func NewUnavailableError(message string) *AppError     { return New(KindUnavailable, message) }
func NewGatewayTimeoutError(message string) *AppError  { return New(KindGatewayTimeout, message) }

func NewInternalError(operation string, cause error) *AppError {
	return Wrapf(cause, KindInternal, "internal error during %s", operation)
}
