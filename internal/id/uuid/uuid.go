// Package uuid mints run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 run IDs, so that stored reports
// sort by start time.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewRunID returns a UUID v7, or a random v4 when the v7 clock source fails.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err == nil {
		return id, nil
	}
	id, err = uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// Fixed always returns the same ID.
type Fixed uuid.UUID

// NewRunID returns f.
func (f Fixed) NewRunID() (uuid.UUID, error) {
	return uuid.UUID(f), nil
}
