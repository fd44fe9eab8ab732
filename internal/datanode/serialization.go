package datanode

import (
	"encoding/binary"
	"fmt"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// parseNode interprets a raw block as a node
func parseNode(id types.BlockID, block []byte, layout Layout) (Node, error) {
	if uint32(len(block)) != layout.BlockSizeBytes {
		return nil, fmt.Errorf("%w: block %s has %d bytes, expected %d", ErrInvalidFormat, id, len(block), layout.BlockSizeBytes)
	}

	formatVersion := binary.LittleEndian.Uint16(block[offsetFormatVersion : offsetFormatVersion+2])
	if formatVersion != FormatVersionHeader {
		return nil, fmt.Errorf("%w: block %s has format version %d, expected %d", ErrInvalidFormat, id, formatVersion, FormatVersionHeader)
	}

	depth := block[offsetDepth]
	size := binary.LittleEndian.Uint32(block[offsetSize : offsetSize+4])
	payload := block[HeaderSize:]

	if depth == 0 {
		if size > layout.MaxBytesPerLeaf() {
			return nil, fmt.Errorf("%w: leaf %s claims to store %d bytes, the maximum is %d", ErrInvalidFormat, id, size, layout.MaxBytesPerLeaf())
		}
		return newLeafNode(id, payload[:size], layout), nil
	}

	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: inner node %s has depth %d, the maximum is %d", ErrInvalidFormat, id, depth, MaxDepth)
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: inner node %s has no children", ErrInvalidFormat, id)
	}
	if size > layout.MaxChildrenPerInnerNode() {
		return nil, fmt.Errorf("%w: inner node %s claims to have %d children, the maximum is %d", ErrInvalidFormat, id, size, layout.MaxChildrenPerInnerNode())
	}

	children := make([]types.BlockID, size)
	for i := range children {
		copy(children[i][:], payload[i*types.BlockIDLen:(i+1)*types.BlockIDLen])
	}
	return &InnerNode{
		id:          id,
		depth:       depth,
		children:    children,
		maxChildren: layout.MaxChildrenPerInnerNode(),
	}, nil
}

func writeHeader(block []byte, depth uint8, size uint32) {
	binary.LittleEndian.PutUint16(block[offsetFormatVersion:], FormatVersionHeader)
	block[offsetDepth-1] = 0
	block[offsetDepth] = depth
	binary.LittleEndian.PutUint32(block[offsetSize:], size)
}

func serializeLeaf(data []byte, layout Layout) []byte {
	block := make([]byte, layout.BlockSizeBytes)
	writeHeader(block, 0, uint32(len(data)))
	copy(block[HeaderSize:], data)
	return block
}

func serializeInner(depth uint8, children []types.BlockID, layout Layout) []byte {
	block := make([]byte, layout.BlockSizeBytes)
	writeHeader(block, depth, uint32(len(children)))
	for i, child := range children {
		copy(block[HeaderSize+i*types.BlockIDLen:], child[:])
	}
	return block
}

func (n *LeafNode) serialize(layout Layout) []byte {
	return serializeLeaf(n.data, layout)
}

func (n *InnerNode) serialize(layout Layout) []byte {
	return serializeInner(n.depth, n.children, layout)
}
