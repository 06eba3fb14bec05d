package align

import (
	"errors"
	"fmt"

	"montage/internal/tile"
)

var (
	// ErrTooFewTiles means there is nothing to align.
	ErrTooFewTiles = errors.New("nothing to align")
	// ErrFixedNotInSet means a fixed patch is not among the patches to align.
	ErrFixedNotInSet = tile.ErrFixedNotInSet
	// ErrAborted wraps the context error of a cancelled run.
	ErrAborted = errors.New("alignment aborted")
)

func aborted(err error) error {
	return fmt.Errorf("%w: %w", ErrAborted, err)
}
