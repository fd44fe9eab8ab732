// Package datanode interprets fixed-size blocks as the nodes of a blob tree.
// A node is either a leaf holding payload bytes or an inner node holding an
// ordered list of child block ids one level lower.
package datanode

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Node block layout
// Every node block starts with an 8 byte header followed by the payload:
//
//	offset 0  uint16  format version (little endian, currently 0)
//	offset 2  uint8   unused
//	offset 3  uint8   depth (0 for leaves)
//	offset 4  uint32  size (little endian; bytes for leaves, children for inner nodes)
//	offset 8  ...     payload, zero padded to the block size
const (
	FormatVersionHeader uint16 = 0

	HeaderSize = 8

	offsetFormatVersion = 0
	offsetDepth         = 3
	offsetSize          = 4

	// MaxDepth is the deepest inner node a loaded block may claim to be
	MaxDepth uint8 = 10

	// MinBlockSizeBytes leaves room for the header and two children, the
	// smallest inner node that can form a tree
	MinBlockSizeBytes = HeaderSize + 2*types.BlockIDLen
)

// Layout derives the structural constants of a tree from its block size
type Layout struct {
	BlockSizeBytes uint32
}

// NewLayout validates the block size and returns the layout for it
func NewLayout(blockSizeBytes uint32) (Layout, error) {
	if blockSizeBytes < MinBlockSizeBytes {
		return Layout{}, fmt.Errorf("block size %d is too small, must be at least %d", blockSizeBytes, MinBlockSizeBytes)
	}
	return Layout{BlockSizeBytes: blockSizeBytes}, nil
}

// MaxBytesPerLeaf returns the payload capacity of a leaf
func (l Layout) MaxBytesPerLeaf() uint32 {
	return l.BlockSizeBytes - HeaderSize
}

// MaxChildrenPerInnerNode returns how many child ids fit into an inner node
func (l Layout) MaxChildrenPerInnerNode() uint32 {
	return (l.BlockSizeBytes - HeaderSize) / types.BlockIDLen
}

// NumLeavesPerFullSubtree returns max_children^depth, the number of leaves
// under a completely filled subtree whose root has the given depth.
func (l Layout) NumLeavesPerFullSubtree(depth uint8) (uint64, error) {
	maxChildren := uint64(l.MaxChildrenPerInnerNode())
	result := uint64(1)
	for i := uint8(0); i < depth; i++ {
		hi, lo := bits.Mul64(result, maxChildren)
		if hi != 0 {
			return 0, fmt.Errorf("%w: leaves per subtree of depth %d", ErrOverflow, depth)
		}
		result = lo
	}
	return result, nil
}

// MustNumLeavesPerFullSubtree is NumLeavesPerFullSubtree for depths that are
// known to fit, e.g. depths of nodes that already exist.
func (l Layout) MustNumLeavesPerFullSubtree(depth uint8) uint64 {
	n, err := l.NumLeavesPerFullSubtree(depth)
	if err != nil {
		// Saturate; no addressable leaf index can reach this
		return math.MaxUint64
	}
	return n
}
