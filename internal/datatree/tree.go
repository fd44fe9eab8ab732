package datatree

import (
	"context"
	"fmt"
	"iter"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Tree is a handle to one blob. It is not safe for concurrent use; callers
// hold a per-root lock so that at most one Tree per root id is live.
//
// Mutating calls store the root at the end. If one of them fails halfway,
// the handle becomes invalid and all further calls return ErrTreeInvalidated.
type Tree struct {
	// root is nil while invalidated or after Remove
	root      datanode.Node
	store     *datanode.Store
	sizeCache sizeCache
	remover   *subtreeRemover
}

func newTree(root datanode.Node, store *datanode.Store, maxConcurrentRemovals int) *Tree {
	return &Tree{
		root:  root,
		store: store,
		remover: &subtreeRemover{
			store:         store,
			maxConcurrent: maxConcurrentRemovals,
		},
	}
}

func (t *Tree) rootNode() (datanode.Node, error) {
	if t.root == nil {
		return nil, ErrTreeInvalidated
	}
	return t.root, nil
}

// RootID returns the id of the root block. It never changes for the lifetime of the blob.
func (t *Tree) RootID() types.BlockID {
	if t.root == nil {
		return types.NullBlockID
	}
	return t.root.ID()
}

// Depth returns the depth of the root node; 0 means the tree is a single leaf
func (t *Tree) Depth() (uint8, error) {
	root, err := t.rootNode()
	if err != nil {
		return 0, err
	}
	return root.Depth(), nil
}

// NumBytes returns the blob size. The first call loads the rightmost path.
func (t *Tree) NumBytes(ctx context.Context) (uint64, error) {
	root, err := t.rootNode()
	if err != nil {
		return 0, err
	}
	return t.sizeCache.getOrCalculateNumBytes(ctx, t.store, root)
}

// NumNodes returns the number of nodes in the tree. Unlike NumBytes it
// doesn't need to load the rightmost leaf.
func (t *Tree) NumNodes(ctx context.Context) (uint64, error) {
	root, err := t.rootNode()
	if err != nil {
		return 0, err
	}
	numNodesCurrentLevel, err := t.sizeCache.getOrCalculateNumLeaves(ctx, t.store, root)
	if err != nil {
		return 0, err
	}

	maxChildren := uint64(t.store.Layout().MaxChildrenPerInnerNode())
	total := numNodesCurrentLevel
	for level := uint8(0); level < root.Depth(); level++ {
		numNodesCurrentLevel = ceilDiv(numNodesCurrentLevel, maxChildren)
		total += numNodesCurrentLevel
	}
	return total, nil
}

// ReadBytes fills target with the blob content starting at offset. It fails
// with an *OutOfRangeError if the window extends past the end of the blob.
func (t *Tree) ReadBytes(ctx context.Context, offset uint64, target []byte) error {
	numBytes, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	end, err := checkedAdd(offset, uint64(len(target)))
	if err != nil {
		return err
	}
	if end > numBytes {
		return &OutOfRangeError{Offset: offset, End: end, NumBytes: numBytes}
	}
	return t.doReadBytes(ctx, offset, target)
}

// TryReadBytes reads as much of the window as exists, zero-fills the rest of
// target and returns the number of bytes read
func (t *Tree) TryReadBytes(ctx context.Context, offset uint64, target []byte) (int, error) {
	numBytes, err := t.NumBytes(ctx)
	if err != nil {
		return 0, err
	}
	n := min(uint64(len(target)), saturatingSub(numBytes, offset))
	if err := t.doReadBytes(ctx, offset, target[:n]); err != nil {
		return 0, err
	}
	clear(target[n:])
	return int(n), nil
}

// ReadAll returns the whole blob
func (t *Tree) ReadAll(ctx context.Context) ([]byte, error) {
	numBytes, err := t.NumBytes(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]byte, numBytes)
	if err := t.doReadBytes(ctx, 0, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Tree) doReadBytes(ctx context.Context, offset uint64, target []byte) error {
	return t.traverseLeavesByByteIndices(ctx, offset, uint64(len(target)), &readCallbacks{offset: offset, target: target}, false)
}

// WriteBytes writes source at offset, growing the blob if the window ends
// past its current end. Gaps are zero-filled. An empty source never grows
// the blob, even if offset is past the end.
func (t *Tree) WriteBytes(ctx context.Context, source []byte, offset uint64) error {
	if _, err := checkedAdd(offset, uint64(len(source))); err != nil {
		return err
	}
	callbacks := &writeCallbacks{
		layout: t.store.Layout(),
		offset: offset,
		source: source,
	}
	return t.traverseLeavesByByteIndices(ctx, offset, uint64(len(source)), callbacks, true)
}

// ResizeNumBytes grows the blob with zeroes or truncates it
func (t *Tree) ResizeNumBytes(ctx context.Context, newNumBytes uint64) error {
	root, err := t.rootNode()
	if err != nil {
		return err
	}

	layout := t.store.Layout()
	maxBytesPerLeaf := uint64(layout.MaxBytesPerLeaf())
	newNumLeaves := max(1, ceilDiv(newNumBytes, maxBytesPerLeaf))
	newLastLeafSize := uint32(newNumBytes - (newNumLeaves-1)*maxBytesPerLeaf)

	if err := checkTreeCapacity(layout, newNumLeaves); err != nil {
		return err
	}

	callbacks := &resizeCallbacks{
		layout:          layout,
		remover:         t.remover,
		newNumLeaves:    newNumLeaves,
		newLastLeafSize: newLastLeafSize,
	}

	t.root = nil
	result, err := Traverse(ctx, t.store, root, newNumLeaves-1, newNumLeaves, callbacks, true)
	if err != nil {
		return err
	}
	if err := t.store.StoreIfDirty(ctx, result.Root); err != nil {
		return err
	}
	t.root = result.Root

	return t.sizeCache.update(layout, newNumLeaves, newNumBytes)
}

// Remove deletes every block of the tree. The handle can't be used afterwards.
func (t *Tree) Remove(ctx context.Context) error {
	root, err := t.rootNode()
	if err != nil {
		return err
	}
	t.root = nil
	return t.remover.removeSubtree(ctx, root)
}

// AllBlocks yields the ids of all blocks in the tree, root first, the rest in
// no particular order. Siblings are loaded concurrently. Stopping the
// iteration cancels outstanding loads.
func (t *Tree) AllBlocks(ctx context.Context) iter.Seq2[types.BlockID, error] {
	return func(yield func(types.BlockID, error) bool) {
		root, err := t.rootNode()
		if err != nil {
			yield(types.NullBlockID, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ids := make(chan types.BlockID)
		done := make(chan error, 1)
		walker := &blockWalker{store: t.store, maxConcurrent: t.remover.maxConcurrent, out: ids}
		go func() {
			err := walker.walk(ctx, root)
			close(ids)
			done <- err
		}()

		for id := range ids {
			if !yield(id, nil) {
				cancel()
				for range ids {
				}
				<-done
				return
			}
		}
		if err := <-done; err != nil {
			yield(types.NullBlockID, err)
		}
	}
}

// Flush stores the root if it has pending changes and asks the block store to persist it
func (t *Tree) Flush(ctx context.Context) error {
	root, err := t.rootNode()
	if err != nil {
		return err
	}
	return t.store.Flush(ctx, root)
}

// traverseLeavesByByteIndices runs a traversal over the leaves covering
// [beginByte, beginByte+sizeBytes) and updates the size cache if the blob grew
func (t *Tree) traverseLeavesByByteIndices(ctx context.Context, beginByte, sizeBytes uint64, callbacks ByteCallbacks, allowWrites bool) error {
	root, err := t.rootNode()
	if err != nil {
		return err
	}
	if sizeBytes == 0 {
		return nil
	}

	endByte := beginByte + sizeBytes
	wrapped := newByteRangeCallbacks(t.store.Layout(), beginByte, endByte, allowWrites, callbacks)

	if allowWrites {
		if err := checkTreeCapacity(t.store.Layout(), wrapped.endLeaf); err != nil {
			return err
		}
		t.root = nil
	}
	result, err := Traverse(ctx, t.store, root, wrapped.firstLeaf, wrapped.endLeaf, wrapped, allowWrites)
	if err != nil {
		return err
	}
	if !allowWrites && result.Grew {
		panic(errors.AssertionFailedf("blob grew from a read-only traversal"))
	}
	if allowWrites {
		if err := t.store.StoreIfDirty(ctx, result.Root); err != nil {
			return err
		}
	}
	t.root = result.Root

	if result.Grew {
		return t.sizeCache.update(t.store.Layout(), wrapped.endLeaf, endByte)
	}
	return nil
}

// readCallbacks copies leaf content into target, which starts at byte offset of the blob
type readCallbacks struct {
	offset uint64
	target []byte
}

func (c *readCallbacks) OnExistingLeaf(ctx context.Context, indexOfFirstLeafByte uint64, handle *LeafHandle, leafDataOffset, leafDataSize uint32) error {
	leaf, err := handle.Node(ctx)
	if err != nil {
		return err
	}
	targetBegin := indexOfFirstLeafByte + uint64(leafDataOffset) - c.offset
	targetEnd := targetBegin + uint64(leafDataSize)
	if indexOfFirstLeafByte+uint64(leafDataOffset) < c.offset || targetEnd > uint64(len(c.target)) {
		panic(errors.AssertionFailedf("writing to target out of bounds: first leaf byte %d, offset %d, leaf data [%d, +%d), target length %d",
			indexOfFirstLeafByte, c.offset, leafDataOffset, leafDataSize, len(c.target)))
	}
	copy(c.target[targetBegin:targetEnd], leaf.Data()[leafDataOffset:leafDataOffset+leafDataSize])
	return nil
}

func (c *readCallbacks) OnCreateLeaf(uint64, uint32) []byte {
	panic(errors.AssertionFailedf("reading must not create leaves"))
}

// writeCallbacks copies source, which starts at byte offset of the blob, into leaves
type writeCallbacks struct {
	layout datanode.Layout
	offset uint64
	source []byte
}

func (c *writeCallbacks) sourceWindow(begin uint64, size uint32) []byte {
	if begin < c.offset || begin-c.offset+uint64(size) > uint64(len(c.source)) {
		panic(errors.AssertionFailedf("reading from source out of bounds: begin %d, size %d, offset %d, source length %d", begin, size, c.offset, len(c.source)))
	}
	sourceBegin := begin - c.offset
	return c.source[sourceBegin : sourceBegin+uint64(size)]
}

func (c *writeCallbacks) OnExistingLeaf(ctx context.Context, indexOfFirstLeafByte uint64, handle *LeafHandle, leafDataOffset, leafDataSize uint32) error {
	source := c.sourceWindow(indexOfFirstLeafByte+uint64(leafDataOffset), leafDataSize)
	if leafDataOffset == 0 && leafDataSize == c.layout.MaxBytesPerLeaf() {
		return handle.OverwriteData(ctx, source)
	}

	leaf, err := handle.Node(ctx)
	if err != nil {
		return err
	}
	copy(leaf.Data()[leafDataOffset:leafDataOffset+leafDataSize], source)
	leaf.MarkDirty()
	return nil
}

func (c *writeCallbacks) OnCreateLeaf(beginByte uint64, numBytes uint32) []byte {
	data := make([]byte, numBytes)
	copy(data, c.sourceWindow(beginByte, numBytes))
	return data
}

// resizeCallbacks resizes the new last leaf and prunes everything right of it
type resizeCallbacks struct {
	layout          datanode.Layout
	remover         *subtreeRemover
	newNumLeaves    uint64
	newLastLeafSize uint32
}

func (c *resizeCallbacks) OnExistingLeaf(ctx context.Context, leafIndex uint64, _ bool, handle *LeafHandle) error {
	if leafIndex != c.newNumLeaves-1 {
		panic(errors.AssertionFailedf("resize visited leaf %d, expected %d", leafIndex, c.newNumLeaves-1))
	}
	return handle.Resize(ctx, c.newLastLeafSize)
}

func (c *resizeCallbacks) OnCreateLeaf(leafIndex uint64) []byte {
	if leafIndex != c.newNumLeaves-1 {
		panic(errors.AssertionFailedf("resize created leaf %d, expected %d", leafIndex, c.newNumLeaves-1))
	}
	return make([]byte, c.newLastLeafSize)
}

func (c *resizeCallbacks) OnBacktrackFromSubtree(ctx context.Context, node *datanode.InnerNode) error {
	// Leaves of the new tree are [0, newNumLeaves). Count how many children
	// this node, the right border node of its level, still needs.
	maxLeavesPerChild := c.layout.MustNumLeavesPerFullSubtree(node.Depth() - 1)
	maxChildren := uint64(c.layout.MaxChildrenPerInnerNode())
	neededNodesOnChildLevel := ceilDiv(c.newNumLeaves, maxLeavesPerChild)
	neededNodesOnSameLevel := ceilDiv(neededNodesOnChildLevel, maxChildren)
	neededChildren := neededNodesOnChildLevel - (neededNodesOnSameLevel-1)*maxChildren

	if neededChildren > uint64(node.NumChildren()) {
		panic(errors.AssertionFailedf("node %s has %d children but needs %d", node.ID(), node.NumChildren(), neededChildren))
	}
	if err := c.remover.pruneChildren(ctx, node, uint32(neededChildren)); err != nil {
		return fmt.Errorf("failed to prune children of %s: %w", node.ID(), err)
	}
	return nil
}

// blockWalker sends the ids of a subtree's blocks to out
type blockWalker struct {
	store         *datanode.Store
	maxConcurrent int
	out           chan<- types.BlockID
}

func (w *blockWalker) emit(ctx context.Context, id types.BlockID) error {
	select {
	case w.out <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *blockWalker) walk(ctx context.Context, node datanode.Node) error {
	if err := w.emit(ctx, node.ID()); err != nil {
		return err
	}
	inner, ok := node.(*datanode.InnerNode)
	if !ok {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.maxConcurrent > 0 {
		g.SetLimit(w.maxConcurrent)
	}
	for _, childID := range inner.Children() {
		g.Go(func() error {
			child, exists, err := w.store.Load(gctx, childID)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: didn't find block %s", datanode.ErrNodeNotFound, childID)
			}
			if child.Depth() != inner.Depth()-1 {
				return fmt.Errorf("%w: block %s has depth %d below a node of depth %d", datanode.ErrUnexpectedDepth, childID, child.Depth(), inner.Depth())
			}
			return w.walk(gctx, child)
		})
	}
	return g.Wait()
}
