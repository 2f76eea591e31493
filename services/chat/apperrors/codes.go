// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperrors defines the error taxonomy shared by the chat service.
//
// Every failure that reaches the transport boundary is normalized into one
// of the codes below. Codes decide the HTTP status (before streaming starts)
// and the client-safe message (always).
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure.
type Code string

const (
	// Client errors. Surfaced immediately, never retried.
	CodeThreadNotFound  Code = "THREAD_NOT_FOUND"
	CodeUnknownModel    Code = "UNKNOWN_MODEL"
	CodeInvalidRole     Code = "INVALID_ROLE"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"

	// Attachment resolution. Aborts the inference before streaming.
	CodeAttachmentUnavailable Code = "ATTACHMENT_UNAVAILABLE"
	CodeAttachmentTooLarge    Code = "ATTACHMENT_TOO_LARGE"

	// Provider failure while generating.
	CodeProviderError Code = "PROVIDER_ERROR"

	// Client went away. Not a true error.
	CodeCanceled Code = "CANCELED"

	CodeInternal Code = "INTERNAL"
)

// Error is a classified failure with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code of err. Context cancellation maps to CodeCanceled;
// anything unclassified is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code onto the status used for non-streaming responses.
func HTTPStatus(code Code) int {
	switch code {
	case CodeThreadNotFound:
		return http.StatusNotFound
	case CodeUnknownModel, CodeInvalidRole, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAttachmentUnavailable:
		return http.StatusUnprocessableEntity
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeCanceled:
		// nginx convention for "client closed request"
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the text that may be shown to a client for err.
// Causes are never included.
func ClientMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != CodeInternal {
		return appErr.Message
	}
	switch CodeOf(err) {
	case CodeCanceled:
		return "request canceled"
	default:
		return "internal server error"
	}
}
