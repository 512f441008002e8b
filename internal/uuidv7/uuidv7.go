// Package uuidv7 generates time-ordered UUIDs, used for record ETags.
package uuidv7

import "github.com/google/uuid"

// New returns a fresh UUIDv7. Generation only fails when the entropy
// source does, which is fatal.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh UUIDv7 in canonical string form.
func NewString() string {
	return New().String()
}
