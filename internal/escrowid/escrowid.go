// Package escrowid validates escrow identifiers.
//
// An identifier is a UUID in canonical textual form: 36 characters,
// lowercase hex, hyphens at positions 8, 13, 18 and 23. Identifiers are
// seeds for address derivation, so any other spelling of the same UUID
// (uppercase, braces, urn: prefix) would derive a different escrow and is
// rejected rather than normalized.
package escrowid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Length is the byte length of a canonical identifier.
const Length = 36

// ErrInvalidIdentifier is returned for anything that is not a canonical
// lowercase hyphenated UUID.
var ErrInvalidIdentifier = errors.New("invalid escrow identifier")

// Validate reports whether id is a canonical identifier.
func Validate(id string) error {
	if len(id) != Length {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidIdentifier, Length, len(id))
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if parsed.String() != id {
		return fmt.Errorf("%w: must be lowercase", ErrInvalidIdentifier)
	}
	return nil
}

// IsValid is Validate as a predicate.
func IsValid(id string) bool {
	return Validate(id) == nil
}

// New returns a fresh random identifier.
func New() string {
	return uuid.NewString()
}
