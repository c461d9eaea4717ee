// Package domain contains the core business entities and logic.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWebhookInactive indicates a delivery was cancelled because its
	// webhook was deactivated or deleted mid-flight.
	ErrWebhookInactive = errors.New("webhook inactive")

	// ErrNotRetryable indicates the delivery is not in a state the operator
	// can retry from.
	ErrNotRetryable = errors.New("delivery is not in a retryable state")
)
