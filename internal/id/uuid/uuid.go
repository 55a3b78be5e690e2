// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID-backed identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewShortID returns the first eight hex characters of a UUIDv4, used for
// compact worker identifiers.
func (Generator) NewShortID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	const raw = 8
	s := fmt.Sprintf("%x", [16]byte(id))
	return s[:raw], nil
}
