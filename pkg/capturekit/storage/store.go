// Package storage provides the key/value backends the capture core persists into.
package storage

import (
	"errors"
)

// Storage is a string-keyed register of opaque values.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value stored under key.
	// Returns ErrNotFound if the key is absent.
	Get(key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Remove deletes key.
	// Returns nil if the key doesn't exist.
	Remove(key string) error

	// IsSupported reports whether the backend can actually hold data.
	// Callers fall back to process memory when it returns false.
	IsSupported() bool

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("storage key not found")

	// ErrClosed indicates the storage has been closed.
	ErrClosed = errors.New("storage closed")

	// ErrUnsupported indicates the backend is unavailable.
	ErrUnsupported = errors.New("storage not supported")
)

// Unsupported is a Storage that holds nothing.
// It stands in for a backend that is disabled or unavailable on the host.
type Unsupported struct{}

// Compile-time interface check.
var _ Storage = Unsupported{}

// Get always returns ErrUnsupported.
func (Unsupported) Get(string) ([]byte, error) { return nil, ErrUnsupported }

// Set always returns ErrUnsupported.
func (Unsupported) Set(string, []byte) error { return ErrUnsupported }

// Remove always returns ErrUnsupported.
func (Unsupported) Remove(string) error { return ErrUnsupported }

// IsSupported returns false.
func (Unsupported) IsSupported() bool { return false }

// Close does nothing.
func (Unsupported) Close() error { return nil }
