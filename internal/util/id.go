package util

import "github.com/google/uuid"

// NewID returns a random (v4) UUID in its canonical string form.
func NewID() string {
	return uuid.NewString()
}
