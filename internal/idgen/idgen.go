// Package idgen produces the daemon's identifiers.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string, so ids sort by creation.
// Falls back to a random UUIDv4 when v7 generation fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
