package graphbot

import "github.com/google/uuid"

// NewID returns a new random identifier suitable for any entity primary key.
func NewID() string {
	return uuid.NewString()
}
