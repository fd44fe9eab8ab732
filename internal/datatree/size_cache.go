package datatree

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

type sizeCacheState int

const (
	sizeUnknown sizeCacheState = iota
	// numLeavesKnown is only reached for inner roots; the leaf count comes
	// from the tree shape, the rightmost leaf hasn't been loaded.
	numLeavesKnown
	numBytesKnown
)

// sizeCache remembers what is known about the blob's size
type sizeCache struct {
	state                 sizeCacheState
	numLeaves             uint64
	rightmostLeafID       types.BlockID
	rightmostLeafNumBytes uint32
}

// getOrCalculateNumLeaves walks the rightmost path without loading the rightmost leaf
func (c *sizeCache) getOrCalculateNumLeaves(ctx context.Context, store *datanode.Store, root datanode.Node) (uint64, error) {
	if c.state != sizeUnknown {
		return c.numLeaves, nil
	}

	switch r := root.(type) {
	case *datanode.LeafNode:
		c.state = numBytesKnown
		c.numLeaves = 1
		c.rightmostLeafNumBytes = r.NumBytes()
	case *datanode.InnerNode:
		numLeaves, rightmostLeafID, err := calculateNumLeavesAndRightmostLeafID(ctx, store, r)
		if err != nil {
			return 0, err
		}
		c.state = numLeavesKnown
		c.numLeaves = numLeaves
		c.rightmostLeafID = rightmostLeafID
	default:
		panic(errors.AssertionFailedf("unknown node type %T", root))
	}
	return c.numLeaves, nil
}

// getOrCalculateNumBytes additionally loads the rightmost leaf if its size isn't known
func (c *sizeCache) getOrCalculateNumBytes(ctx context.Context, store *datanode.Store, root datanode.Node) (uint64, error) {
	if _, err := c.getOrCalculateNumLeaves(ctx, store, root); err != nil {
		return 0, err
	}

	if c.state == numLeavesKnown {
		numBytes, err := loadLeafSize(ctx, store, c.rightmostLeafID)
		if err != nil {
			return 0, err
		}
		c.state = numBytesKnown
		c.rightmostLeafNumBytes = numBytes
	}

	leftBytes, err := checkedMul(c.numLeaves-1, uint64(store.Layout().MaxBytesPerLeaf()))
	if err != nil {
		return 0, err
	}
	return checkedAdd(leftBytes, uint64(c.rightmostLeafNumBytes))
}

// update sets both facts after an operation that determined the size directly
func (c *sizeCache) update(layout datanode.Layout, numLeaves, numBytes uint64) error {
	if numLeaves == 0 {
		panic(errors.AssertionFailedf("a tree always has at least one leaf"))
	}
	leftBytes := (numLeaves - 1) * uint64(layout.MaxBytesPerLeaf())
	if numBytes < leftBytes || numBytes-leftBytes > uint64(layout.MaxBytesPerLeaf()) {
		return fmt.Errorf("inconsistent size update: %d bytes can't be stored in %d leaves of %d bytes", numBytes, numLeaves, layout.MaxBytesPerLeaf())
	}
	*c = sizeCache{
		state:                 numBytesKnown,
		numLeaves:             numLeaves,
		rightmostLeafNumBytes: uint32(numBytes - leftBytes),
	}
	return nil
}

func calculateNumLeavesAndRightmostLeafID(ctx context.Context, store *datanode.Store, node *datanode.InnerNode) (uint64, types.BlockID, error) {
	numChildren := uint64(node.NumChildren())
	if node.Depth() == 1 {
		return numChildren, node.LastChild(), nil
	}

	leavesPerFullChild, err := store.Layout().NumLeavesPerFullSubtree(node.Depth() - 1)
	if err != nil {
		return 0, types.NullBlockID, err
	}
	leavesInLeftChildren, err := checkedMul(numChildren-1, leavesPerFullChild)
	if err != nil {
		return 0, types.NullBlockID, err
	}

	lastChildID := node.LastChild()
	lastChild, exists, err := store.Load(ctx, lastChildID)
	if err != nil {
		return 0, types.NullBlockID, err
	}
	if !exists {
		return 0, types.NullBlockID, fmt.Errorf("%w: tried to load child %s", datanode.ErrNodeNotFound, lastChildID)
	}
	inner, ok := lastChild.(*datanode.InnerNode)
	if !ok || inner.Depth() != node.Depth()-1 {
		return 0, types.NullBlockID, fmt.Errorf("%w: child %s has depth %d below a node of depth %d", datanode.ErrUnexpectedDepth, lastChildID, lastChild.Depth(), node.Depth())
	}

	leavesInRightChild, rightmostLeafID, err := calculateNumLeavesAndRightmostLeafID(ctx, store, inner)
	if err != nil {
		return 0, types.NullBlockID, err
	}
	numLeaves, err := checkedAdd(leavesInLeftChildren, leavesInRightChild)
	if err != nil {
		return 0, types.NullBlockID, err
	}
	return numLeaves, rightmostLeafID, nil
}

func loadLeafSize(ctx context.Context, store *datanode.Store, id types.BlockID) (uint32, error) {
	node, exists, err := store.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: tried to load rightmost leaf %s", datanode.ErrNodeNotFound, id)
	}
	leaf, ok := node.(*datanode.LeafNode)
	if !ok {
		return 0, fmt.Errorf("%w: rightmost leaf %s is an inner node of depth %d", datanode.ErrUnexpectedDepth, id, node.Depth())
	}
	return leaf.NumBytes(), nil
}
