// Package mochi provides a Go client for the Mochi-Link hub admin API.
package mochi

import (
	"errors"
	"fmt"
)

// Error represents an error from the hub API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mochi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsServerOffline returns true if the hub rejected the operation because the
// target server has no live connection (error code SERVER_OFFLINE).
func IsServerOffline(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "SERVER_OFFLINE"
	}
	return false
}

// IsTimeout returns true if the connected server did not answer within the
// request deadline (error code TIMEOUT).
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "TIMEOUT"
	}
	return false
}
