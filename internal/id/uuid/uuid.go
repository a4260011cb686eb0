// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID is a run identifier in both printable and binary form.
type RunID struct {
	Text  string
	Bytes [16]byte
}

// Generator creates time-ordered UUID v7 identifiers.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a UUID v7 in the forms used by logs and progress events.
func (Generator) NewRunID() (RunID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RunID{}, fmt.Errorf("generate uuid7: %w", err)
	}
	return RunID{Text: id.String(), Bytes: [16]byte(id)}, nil
}
