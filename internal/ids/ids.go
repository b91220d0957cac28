// Package ids generates the time-sortable identifiers used for runs and
// tasks.
package ids

import "github.com/google/uuid"

// RunID generates a new time-sortable run identifier.
func RunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the time source misbehaves; fall back to
		// a random v4 rather than propagate an error from an id generator.
		return uuid.NewString()
	}
	return id.String()
}

// TaskID generates a new time-sortable task identifier, for tasks the
// caller doesn't assign an id to explicitly.
func TaskID() string {
	return RunID()
}
