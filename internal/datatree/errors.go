package datatree

import (
	"errors"
	"fmt"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
)

var (
	// ErrOutOfRange is matched by *OutOfRangeError
	ErrOutOfRange = errors.New("read out of range")

	// ErrOverflow is returned when an offset or size doesn't fit into 64 bits
	ErrOverflow = datanode.ErrOverflow

	// ErrTreeInvalidated is returned by every call on a Tree after a mutating
	// operation on it failed halfway. Load the tree again to continue.
	ErrTreeInvalidated = errors.New("tree handle is invalid after a failed operation")
)

// OutOfRangeError is returned by ReadBytes when the requested window extends
// past the end of the blob
type OutOfRangeError struct {
	Offset   uint64
	End      uint64
	NumBytes uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("tried to read range [%d, %d) but the blob only has %d bytes; use TryReadBytes if this should be allowed", e.Offset, e.End, e.NumBytes)
}

// Is makes errors.Is(err, ErrOutOfRange) succeed
func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}
