package datanode

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Node is a loaded block interpreted as either *LeafNode or *InnerNode.
// The set of variants is closed; dispatch with a type switch.
type Node interface {
	// ID returns the id of the block backing the node
	ID() types.BlockID

	// Depth returns 0 for leaves and the distance to the leaves for inner nodes
	Depth() uint8

	// IsDirty reports whether the node has changes that aren't stored yet
	IsDirty() bool

	serialize(layout Layout) []byte
	markClean()
}

// LeafNode holds up to Layout.MaxBytesPerLeaf payload bytes
type LeafNode struct {
	id       types.BlockID
	data     []byte
	maxBytes uint32
	dirty    bool
}

// InnerNode holds between 1 and Layout.MaxChildrenPerInnerNode child ids
type InnerNode struct {
	id          types.BlockID
	depth       uint8
	children    []types.BlockID
	maxChildren uint32
	dirty       bool
}

var (
	_ Node = (*LeafNode)(nil)
	_ Node = (*InnerNode)(nil)
)

func newLeafNode(id types.BlockID, data []byte, layout Layout) *LeafNode {
	maxBytes := layout.MaxBytesPerLeaf()
	if uint32(len(data)) > maxBytes {
		panic(errors.AssertionFailedf("leaf with %d bytes exceeds the maximum of %d", len(data), maxBytes))
	}
	buf := make([]byte, len(data), maxBytes)
	copy(buf, data)
	return &LeafNode{id: id, data: buf, maxBytes: maxBytes}
}

// ID returns the leaf's block id
func (n *LeafNode) ID() types.BlockID { return n.id }

// Depth is always 0 for a leaf
func (n *LeafNode) Depth() uint8 { return 0 }

// IsDirty reports whether the leaf was modified since it was last stored
func (n *LeafNode) IsDirty() bool { return n.dirty }

// NumBytes returns the number of payload bytes
func (n *LeafNode) NumBytes() uint32 { return uint32(len(n.data)) }

// MaxBytesPerLeaf returns the payload capacity of the leaf
func (n *LeafNode) MaxBytesPerLeaf() uint32 { return n.maxBytes }

// Data returns the payload. Callers that write into it must call MarkDirty.
func (n *LeafNode) Data() []byte { return n.data }

// MarkDirty records that the payload was modified in place
func (n *LeafNode) MarkDirty() { n.dirty = true }

// Resize grows the payload with zeroes or truncates it
func (n *LeafNode) Resize(numBytes uint32) {
	if numBytes > n.maxBytes {
		panic(errors.AssertionFailedf("trying to resize leaf to %d bytes, the maximum is %d", numBytes, n.maxBytes))
	}
	old := uint32(len(n.data))
	if numBytes == old {
		return
	}
	if numBytes < old {
		clear(n.data[numBytes:old])
		n.data = n.data[:numBytes]
	} else {
		// Bytes beyond len are kept zero by the truncate branch above
		n.data = n.data[:numBytes]
	}
	n.dirty = true
}

func (n *LeafNode) markClean() { n.dirty = false }

// ID returns the inner node's block id
func (n *InnerNode) ID() types.BlockID { return n.id }

// Depth returns the node's depth, at least 1
func (n *InnerNode) Depth() uint8 { return n.depth }

// IsDirty reports whether the node was modified since it was last stored
func (n *InnerNode) IsDirty() bool { return n.dirty }

// NumChildren returns the number of children, at least 1
func (n *InnerNode) NumChildren() uint32 { return uint32(len(n.children)) }

// MaxChildren returns how many children the node can hold
func (n *InnerNode) MaxChildren() uint32 { return n.maxChildren }

// Children returns a copy of the child ids
func (n *InnerNode) Children() []types.BlockID {
	out := make([]types.BlockID, len(n.children))
	copy(out, n.children)
	return out
}

// Child returns the child id at index i
func (n *InnerNode) Child(i uint32) types.BlockID {
	return n.children[i]
}

// LastChild returns the id of the rightmost child
func (n *InnerNode) LastChild() types.BlockID {
	return n.children[len(n.children)-1]
}

// AddChild appends a child one level below this node
func (n *InnerNode) AddChild(child Node) error {
	if child.Depth()+1 != n.depth {
		return fmt.Errorf("tried to add a child of depth %d to an inner node of depth %d", child.Depth(), n.depth)
	}
	if uint32(len(n.children)) >= n.maxChildren {
		return fmt.Errorf("inner node %s already has the maximum of %d children", n.id, n.maxChildren)
	}
	n.children = append(n.children, child.ID())
	n.dirty = true
	return nil
}

// ShrinkNumChildren drops children from the right until numChildren remain.
// It doesn't remove the dropped subtrees from the store.
func (n *InnerNode) ShrinkNumChildren(numChildren uint32) error {
	if numChildren == 0 {
		return fmt.Errorf("inner node %s can't have zero children", n.id)
	}
	if numChildren > uint32(len(n.children)) {
		return fmt.Errorf("called ShrinkNumChildren(%d) for a node with %d children", numChildren, len(n.children))
	}
	if numChildren == uint32(len(n.children)) {
		return nil
	}
	clear(n.children[numChildren:])
	n.children = n.children[:numChildren]
	n.dirty = true
	return nil
}

func (n *InnerNode) markClean() { n.dirty = false }
