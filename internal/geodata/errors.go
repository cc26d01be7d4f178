package geodata

import (
	"errors"
	"fmt"
)

var (
	// ErrTileNotFound is returned by TileContents for absent tile ids.
	// Callers render such tiles as empty.
	ErrTileNotFound = errors.New("tile not found")

	// ErrStoreCorrupt matches every CorruptError.
	ErrStoreCorrupt = errors.New("geodata store corrupt")
)

// CorruptError reports a structural violation in a geodata container.
type CorruptError struct {
	Section string
	Offset  int
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("geodata store corrupt: %s section at offset %d: %s", e.Section, e.Offset, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrStoreCorrupt
}
