package datatree

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
)

// ByteCallbacks is implemented by operations that work on a byte window
type ByteCallbacks interface {
	// OnExistingLeaf is called for every existing leaf that intersects the
	// window. The intersection is leaf.Data()[leafDataOffset:leafDataOffset+leafDataSize].
	OnExistingLeaf(ctx context.Context, indexOfFirstLeafByte uint64, leaf *LeafHandle, leafDataOffset, leafDataSize uint32) error

	// OnCreateLeaf returns the numBytes bytes of a new leaf starting at the
	// absolute byte offset beginByte
	OnCreateLeaf(beginByte uint64, numBytes uint32) []byte
}

// byteRangeCallbacks translates leaf callbacks into byte callbacks for the
// window [beginByte, endByte)
type byteRangeCallbacks struct {
	layout      datanode.Layout
	beginByte   uint64
	endByte     uint64
	firstLeaf   uint64
	endLeaf     uint64
	allowWrites bool
	wrapped     ByteCallbacks
}

func newByteRangeCallbacks(layout datanode.Layout, beginByte, endByte uint64, allowWrites bool, wrapped ByteCallbacks) *byteRangeCallbacks {
	maxBytesPerLeaf := uint64(layout.MaxBytesPerLeaf())
	return &byteRangeCallbacks{
		layout:      layout,
		beginByte:   beginByte,
		endByte:     endByte,
		firstLeaf:   beginByte / maxBytesPerLeaf,
		endLeaf:     ceilDiv(endByte, maxBytesPerLeaf),
		allowWrites: allowWrites,
		wrapped:     wrapped,
	}
}

// leafWindow returns the part [dataBegin, dataEnd) of the leaf that intersects the window
func (c *byteRangeCallbacks) leafWindow(leafIndex uint64) (indexOfFirstLeafByte uint64, dataBegin, dataEnd uint32) {
	maxBytesPerLeaf := uint64(c.layout.MaxBytesPerLeaf())
	indexOfFirstLeafByte = leafIndex * maxBytesPerLeaf
	if c.endByte <= indexOfFirstLeafByte {
		panic(errors.AssertionFailedf("traversal went to byte %d which is too far right for end byte %d", indexOfFirstLeafByte, c.endByte))
	}
	dataBegin = uint32(saturatingSub(c.beginByte, indexOfFirstLeafByte))
	dataEnd = uint32(min(maxBytesPerLeaf, c.endByte-indexOfFirstLeafByte))
	return indexOfFirstLeafByte, dataBegin, dataEnd
}

func (c *byteRangeCallbacks) OnExistingLeaf(ctx context.Context, leafIndex uint64, isRightBorderLeaf bool, leaf *LeafHandle) error {
	indexOfFirstLeafByte, dataBegin, dataEnd := c.leafWindow(leafIndex)

	if isRightBorderLeaf {
		if leafIndex != c.endLeaf-1 {
			panic(errors.AssertionFailedf("leaf %d is the right border leaf but the window ends at leaf %d", leafIndex, c.endLeaf-1))
		}
		node, err := leaf.Node(ctx)
		if err != nil {
			return err
		}
		// The last leaf of the blob is the only one that can be too short for the window
		if node.NumBytes() < dataEnd {
			if err := leaf.Resize(ctx, dataEnd); err != nil {
				return err
			}
		}
	}

	return c.wrapped.OnExistingLeaf(ctx, indexOfFirstLeafByte, leaf, dataBegin, dataEnd-dataBegin)
}

func (c *byteRangeCallbacks) OnCreateLeaf(leafIndex uint64) []byte {
	if !c.allowWrites {
		panic(errors.AssertionFailedf("can't create leaves in a read-only traversal"))
	}
	indexOfFirstLeafByte, dataBegin, dataEnd := c.leafWindow(leafIndex)
	if leafIndex != c.firstLeaf && dataBegin != 0 {
		panic(errors.AssertionFailedf("only the leftmost leaf can have a gap on the left"))
	}
	if leafIndex != c.endLeaf-1 && dataEnd != c.layout.MaxBytesPerLeaf() {
		panic(errors.AssertionFailedf("only the rightmost leaf can have a gap on the right"))
	}

	data := c.wrapped.OnCreateLeaf(indexOfFirstLeafByte+uint64(dataBegin), dataEnd-dataBegin)
	if uint32(len(data)) != dataEnd-dataBegin {
		panic(errors.AssertionFailedf("returned leaf data with %d bytes but expected %d", len(data), dataEnd-dataBegin))
	}
	if dataBegin == 0 {
		return data
	}
	padded := make([]byte, uint32(len(data))+dataBegin)
	copy(padded[dataBegin:], data)
	return padded
}

func (c *byteRangeCallbacks) OnBacktrackFromSubtree(context.Context, *datanode.InnerNode) error {
	return nil
}
