package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job identifier, assigned once at ingress.
func NewJobID() string {
	return uuid.New().String()
}

// NewEventID generates a unique event identifier. Consumers use it for
// idempotent state application across redeliveries.
func NewEventID() string {
	return uuid.New().String()
}
