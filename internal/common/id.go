package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a job identifier (plain UUID, no prefix)
func NewJobID() string {
	return uuid.New().String()
}
