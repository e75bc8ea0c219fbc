package capturekit

import "errors"

// Sentinel errors for client construction.
var (
	// ErrTokenRequired indicates Config.Token was empty.
	ErrTokenRequired = errors.New("project token required")

	// ErrInvalidConfig indicates Config failed validation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnknownStorage indicates an unrecognised Config.Storage.Backend.
	ErrUnknownStorage = errors.New("unknown storage backend")
)
