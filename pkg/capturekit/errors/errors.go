// Package errors classifies delivery failures and schedules retries.
//
// Only the delivery path produces errors worth classifying: capture,
// identify and group never fail towards the caller. A failed request is
// either retried (network trouble, 408, 429, 5xx, no response) or dropped.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is what the delivery path does with a failed request.
type Class int

const (
	// Retry means the request goes back to the retry queue.
	Retry Class = iota

	// Drop means another attempt cannot succeed.
	Drop
)

func (c Class) String() string {
	switch c {
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// DeliveryError is a failure at one stage of delivering a request.
type DeliveryError struct {
	// Op names the stage, e.g. "encode request".
	Op string

	Err      error
	Class    Class
	Attempts int
}

func (e *DeliveryError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %v (after %d attempts)", e.Op, e.Err, e.Attempts)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable marks err as worth another attempt.
func Retryable(op string, err error) *DeliveryError {
	return &DeliveryError{Op: op, Err: err, Class: Retry}
}

// Fatal marks err as not worth another attempt.
func Fatal(op string, err error) *DeliveryError {
	return &DeliveryError{Op: op, Err: err, Class: Drop}
}

// Classify decides what to do with a failed request. Unknown errors are
// dropped.
func Classify(err error) Class {
	if err == nil {
		return Drop
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if he.Temporary() {
			return Retry
		}
		return Drop
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Drop
	case errors.Is(err, context.DeadlineExceeded):
		return Retry
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return Retry
	}
	return Drop
}

// IsRetryable reports whether Classify(err) is Retry.
func IsRetryable(err error) bool {
	return Classify(err) == Retry
}
