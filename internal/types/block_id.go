// Package types holds the identifiers and small value types shared by the
// block store, the node store and the tree layer.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Block identifiers
// Every block is addressed by a fixed-size opaque identifier. Identifiers are
// compared for equality only; their ordering carries no meaning.

// BlockIDLen is the length of a block identifier in bytes.
const BlockIDLen = 16

// BlockID identifies a single block in a block store.
type BlockID [BlockIDLen]byte

// NullBlockID is the zero identifier. It is never handed out by NewRandomBlockID
// in practice and is used as a "no block" marker.
var NullBlockID BlockID

// NewRandomBlockID returns a fresh random identifier.
func NewRandomBlockID() BlockID {
	return BlockID(uuid.New())
}

// BlockIDFromBytes copies an identifier out of a byte slice of exactly BlockIDLen bytes.
func BlockIDFromBytes(data []byte) (BlockID, error) {
	var id BlockID
	if len(data) != BlockIDLen {
		return id, fmt.Errorf("block id must be %d bytes, got %d", BlockIDLen, len(data))
	}
	copy(id[:], data)
	return id, nil
}

// ParseBlockID parses the hex text form produced by String. The dashed uuid
// form is accepted as well.
func ParseBlockID(s string) (BlockID, error) {
	u, err := uuid.Parse(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return NullBlockID, fmt.Errorf("invalid block id %q: %w", s, err)
	}
	return BlockID(u), nil
}

// String returns the upper-case hex form of the identifier.
func (id BlockID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Bytes returns a copy of the identifier's bytes.
func (id BlockID) Bytes() []byte {
	out := make([]byte, BlockIDLen)
	copy(out, id[:])
	return out
}

// IsNull checks if the identifier is the zero identifier.
func (id BlockID) IsNull() bool {
	return id == NullBlockID
}

// RemoveResult reports the outcome of removing a block or a tree by id.
type RemoveResult int

const (
	// RemoveResultRemoved means the block existed and was removed.
	RemoveResultRemoved RemoveResult = iota
	// RemoveResultNotFound means there was nothing to remove.
	RemoveResultNotFound
)

// String returns a readable name for the result.
func (r RemoveResult) String() string {
	switch r {
	case RemoveResultRemoved:
		return "removed"
	case RemoveResultNotFound:
		return "not found"
	default:
		return fmt.Sprintf("RemoveResult(%d)", int(r))
	}
}
