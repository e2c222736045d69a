package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("not found")

// Setting is one persisted key-value pair.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Well-known keys used by the identity layer.
const (
	KeyFingerprint = "device.fingerprint"
	KeyLabel       = "device.label"
)

// KV is a small device-local key-value store. It plays the role browser
// local storage plays for a web client.
type KV interface {
	// Get returns the setting for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Setting, error)
	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent writes value only when key is missing and returns the stored value.
	SetIfAbsent(ctx context.Context, key, value string) (string, error)

	// Close closes the underlying database connection.
	Close() error
}
