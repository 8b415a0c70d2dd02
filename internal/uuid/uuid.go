// Package uuid wraps github.com/google/uuid behind the small surface the
// rest of the codebase needs.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
