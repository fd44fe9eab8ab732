package datatree

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// LeafHandle gives a traversal callback access to one leaf. The leaf is only
// loaded when the callback asks for it.
type LeafHandle struct {
	store *datanode.Store
	id    types.BlockID
	leaf  *datanode.LeafNode
	grew  bool
}

func newLoadedLeafHandle(store *datanode.Store, leaf *datanode.LeafNode) *LeafHandle {
	return &LeafHandle{store: store, id: leaf.ID(), leaf: leaf}
}

func newLazyLeafHandle(store *datanode.Store, id types.BlockID) *LeafHandle {
	return &LeafHandle{store: store, id: id}
}

// ID returns the leaf's block id without loading it
func (h *LeafHandle) ID() types.BlockID {
	return h.id
}

// Node loads the leaf if necessary and returns it. Callers that modify its
// data must call MarkDirty on it.
func (h *LeafHandle) Node(ctx context.Context) (*datanode.LeafNode, error) {
	if h.leaf != nil {
		return h.leaf, nil
	}

	node, exists, err := h.store.Load(ctx, h.id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: tried to load leaf %s", datanode.ErrNodeNotFound, h.id)
	}
	leaf, ok := node.(*datanode.LeafNode)
	if !ok {
		return nil, fmt.Errorf("%w: tried to load leaf %s but found an inner node of depth %d", datanode.ErrUnexpectedDepth, h.id, node.Depth())
	}
	h.leaf = leaf
	return leaf, nil
}

// OverwriteData replaces the whole leaf payload. If the leaf isn't loaded yet,
// it is written without being loaded.
func (h *LeafHandle) OverwriteData(ctx context.Context, data []byte) error {
	if h.leaf == nil {
		return h.store.OverwriteLeaf(ctx, h.id, data)
	}
	if len(data) != len(h.leaf.Data()) {
		panic(errors.AssertionFailedf("overwriting leaf of %d bytes with %d bytes", len(h.leaf.Data()), len(data)))
	}
	copy(h.leaf.Data(), data)
	h.leaf.MarkDirty()
	return nil
}

// Resize loads the leaf and changes its size. Growing a leaf is reported as
// growth of the traversal.
func (h *LeafHandle) Resize(ctx context.Context, numBytes uint32) error {
	leaf, err := h.Node(ctx)
	if err != nil {
		return err
	}
	if leaf.NumBytes() == numBytes {
		return nil
	}
	if numBytes > leaf.NumBytes() {
		h.grew = true
	}
	leaf.Resize(numBytes)
	return nil
}

// storeIfLoaded writes back a leaf that was loaded through the handle
func (h *LeafHandle) storeIfLoaded(ctx context.Context) error {
	if h.leaf == nil {
		return nil
	}
	return h.store.StoreIfDirty(ctx, h.leaf)
}

// LeafCallbacks is implemented once per operation that walks a leaf range
type LeafCallbacks interface {
	// OnExistingLeaf is called for every existing leaf in the range.
	// isRightBorderLeaf is true only for the last leaf of the whole tree.
	OnExistingLeaf(ctx context.Context, leafIndex uint64, isRightBorderLeaf bool, leaf *LeafHandle) error

	// OnCreateLeaf returns the initial content of a leaf that is created in the range
	OnCreateLeaf(leafIndex uint64) []byte

	// OnBacktrackFromSubtree is called post-order for each inner node whose
	// children were visited, before the node is written back
	OnBacktrackFromSubtree(ctx context.Context, node *datanode.InnerNode) error
}

// subtreeCreationCallbacks is the part of LeafCallbacks needed to build new subtrees
type subtreeCreationCallbacks interface {
	OnCreateLeaf(leafIndex uint64) []byte
	OnBacktrackFromSubtree(ctx context.Context, node *datanode.InnerNode) error
}

// TraversalResult is the outcome of Traverse
type TraversalResult struct {
	// Root is the new root node. Its id is always the id of the old root.
	Root datanode.Node

	// Grew is true if the traversal created leaves or grew existing ones
	Grew bool
}

// traverser walks one leaf range of one tree
type traverser struct {
	store       *datanode.Store
	layout      datanode.Layout
	allowWrites bool
	grew        bool
}

// Traverse visits the leaves [begin, end) of the tree rooted at root.
// Existing leaves go to OnExistingLeaf; with allowWrites, missing leaves are
// created through OnCreateLeaf, the tree gains depth as needed, and inner
// nodes are offered to OnBacktrackFromSubtree. Subtrees outside the range are
// never loaded. Nodes modified below the root are written back; the returned
// root may still be dirty and has to be stored by the caller.
func Traverse(ctx context.Context, store *datanode.Store, root datanode.Node, begin, end uint64, callbacks LeafCallbacks, allowWrites bool) (TraversalResult, error) {
	if end <= begin {
		return TraversalResult{Root: root}, nil
	}
	if allowWrites {
		if err := checkTreeCapacity(store.Layout(), end); err != nil {
			return TraversalResult{}, err
		}
	}

	t := &traverser{
		store:       store,
		layout:      store.Layout(),
		allowWrites: allowWrites,
	}
	newRoot, err := t.traverseAndReturnNewRoot(ctx, root, begin, end, true, callbacks)
	if err != nil {
		return TraversalResult{}, err
	}
	return TraversalResult{Root: newRoot, Grew: t.grew}, nil
}

func (t *traverser) traverseAndReturnNewRoot(ctx context.Context, root datanode.Node, begin, end uint64, isLeftBorder bool, callbacks LeafCallbacks) (datanode.Node, error) {
	if begin > end {
		panic(errors.AssertionFailedf("traversal with begin=%d > end=%d", begin, end))
	}

	maxLeavesForDepth := t.layout.MustNumLeavesPerFullSubtree(root.Depth())
	shouldIncreaseTreeDepth := end > maxLeavesForDepth
	if !t.allowWrites && shouldIncreaseTreeDepth {
		panic(errors.AssertionFailedf("read-only traversal to leaf %d is out of bounds for a tree with capacity for %d leaves", end, maxLeavesForDepth))
	}

	switch r := root.(type) {
	case *datanode.LeafNode:
		maxBytesPerLeaf := t.layout.MaxBytesPerLeaf()
		if shouldIncreaseTreeDepth && r.NumBytes() != maxBytesPerLeaf {
			r.Resize(maxBytesPerLeaf)
			t.grew = true
		}
		if begin == 0 && end >= 1 {
			handle := newLoadedLeafHandle(t.store, r)
			if err := callbacks.OnExistingLeaf(ctx, 0, end == 1, handle); err != nil {
				return nil, err
			}
			t.grew = t.grew || handle.grew
		}
	case *datanode.InnerNode:
		err := t.traverseExistingSubtreeOfInnerNode(ctx, r,
			min(begin, maxLeavesForDepth), min(end, maxLeavesForDepth), 0,
			isLeftBorder, !shouldIncreaseTreeDepth, shouldIncreaseTreeDepth, callbacks)
		if err != nil {
			return nil, err
		}
	default:
		panic(errors.AssertionFailedf("unknown node type %T", root))
	}

	if shouldIncreaseTreeDepth {
		newRoot, err := t.increaseTreeDepth(ctx, root)
		if err != nil {
			return nil, err
		}
		return t.traverseAndReturnNewRoot(ctx, newRoot, max(begin, maxLeavesForDepth), end, false, callbacks)
	}
	return t.whileRootHasOnlyOneChildReplaceRootWithItsChild(ctx, root)
}

func (t *traverser) traverseExistingSubtree(ctx context.Context, id types.BlockID, depth uint8, begin, end, leafOffset uint64, isLeftBorder, isRightBorderNode, growLastLeaf bool, callbacks LeafCallbacks) error {
	if depth == 0 {
		if begin > 1 || end > 1 {
			panic(errors.AssertionFailedf("a leaf subtree can only be traversed at indices 0 or 1, got begin=%d end=%d", begin, end))
		}

		handle := newLazyLeafHandle(t.store, id)
		if growLastLeaf {
			leaf, err := handle.Node(ctx)
			if err != nil {
				return err
			}
			if leaf.NumBytes() != t.layout.MaxBytesPerLeaf() {
				if !t.allowWrites {
					panic(errors.AssertionFailedf("can't grow the last leaf in a read-only traversal"))
				}
				leaf.Resize(t.layout.MaxBytesPerLeaf())
				t.grew = true
			}
		}
		if begin == 0 && end == 1 {
			if err := callbacks.OnExistingLeaf(ctx, leafOffset, isRightBorderNode, handle); err != nil {
				return err
			}
			t.grew = t.grew || handle.grew
		}
		return handle.storeIfLoaded(ctx)
	}

	node, exists, err := t.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: couldn't find child node %s", datanode.ErrNodeNotFound, id)
	}
	inner, ok := node.(*datanode.InnerNode)
	if !ok {
		return fmt.Errorf("%w: expected an inner node of depth %d at %s but found a leaf", datanode.ErrUnexpectedDepth, depth, id)
	}
	if inner.Depth() != depth {
		return fmt.Errorf("%w: expected an inner node of depth %d at %s but it has depth %d", datanode.ErrUnexpectedDepth, depth, id, inner.Depth())
	}

	if err := t.traverseExistingSubtreeOfInnerNode(ctx, inner, begin, end, leafOffset, isLeftBorder, isRightBorderNode, growLastLeaf, callbacks); err != nil {
		return err
	}
	return t.store.StoreIfDirty(ctx, inner)
}

func (t *traverser) traverseExistingSubtreeOfInnerNode(ctx context.Context, root *datanode.InnerNode, begin, end, leafOffset uint64, isLeftBorder, isRightBorderNode, growLastLeaf bool, callbacks LeafCallbacks) error {
	if begin > end {
		panic(errors.AssertionFailedf("traversal with begin=%d > end=%d", begin, end))
	}

	childDepth := root.Depth() - 1
	leavesPerChild := t.layout.MustNumLeavesPerFullSubtree(childDepth)
	beginChild := begin / leavesPerChild
	endChild := ceilDiv(end, leavesPerChild)
	numChildren := uint64(root.NumChildren())

	if endChild > uint64(t.layout.MaxChildrenPerInnerNode()) {
		panic(errors.AssertionFailedf("traversal region needs %d children, the tree depth should have been increased first", endChild))
	}
	if growLastLeaf && endChild < numChildren {
		panic(errors.AssertionFailedf("can only grow the last leaf if it is in the traversed region"))
	}
	if !t.allowWrites && endChild > numChildren {
		panic(errors.AssertionFailedf("can only traverse out of bounds in a traversal that allows writes"))
	}
	shouldGrowLastExistingLeaf := growLastLeaf || endChild > numChildren

	// If we traverse outside of the existing children, fill up the last
	// existing child with gap leaves first so it becomes a full subtree.
	if isLeftBorder && beginChild >= numChildren {
		lastChildOffset, err := checkedMul(numChildren-1, leavesPerChild)
		if err != nil {
			return err
		}
		err = t.traverseExistingSubtree(ctx, root.LastChild(), childDepth,
			leavesPerChild, leavesPerChild, leafOffset+lastChildOffset,
			true, false, true, panicCallbacks{})
		if err != nil {
			return err
		}
	}

	for childIndex := beginChild; childIndex < min(endChild, numChildren); childIndex++ {
		childOffset, err := checkedMul(childIndex, leavesPerChild)
		if err != nil {
			return err
		}
		localBegin := saturatingSub(begin, childOffset)
		localEnd := min(leavesPerChild, end-childOffset)
		isFirstChild := childIndex == beginChild
		isLastExistingChild := childIndex == numChildren-1
		isLastChild := isLastExistingChild && numChildren == endChild

		err = t.traverseExistingSubtree(ctx, root.Child(uint32(childIndex)), childDepth,
			localBegin, localEnd, leafOffset+childOffset,
			isLeftBorder && isFirstChild,
			isRightBorderNode && isLastChild,
			shouldGrowLastExistingLeaf && isLastExistingChild,
			callbacks)
		if err != nil {
			return err
		}
	}

	for childIndex := numChildren; childIndex < endChild; childIndex++ {
		if !t.allowWrites {
			panic(errors.AssertionFailedf("can't create new children in a read-only traversal"))
		}
		childOffset, err := checkedMul(childIndex, leavesPerChild)
		if err != nil {
			return err
		}
		localBegin := min(leavesPerChild, saturatingSub(begin, childOffset))
		localEnd := min(leavesPerChild, end-childOffset)

		child, err := t.createNewSubtree(ctx, localBegin, localEnd, leafOffset+childOffset, childDepth,
			gapFillingCallbacks{
				isGap:   childIndex < beginChild,
				layout:  t.layout,
				wrapped: callbacks,
			})
		if err != nil {
			return err
		}
		if err := root.AddChild(child); err != nil {
			return err
		}
	}

	// Only a backtrack if a leaf below was actually visited
	if t.allowWrites && end > begin {
		if err := callbacks.OnBacktrackFromSubtree(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// createNewSubtree creates a subtree of the given depth whose leaves
// [begin, end) come from the callbacks and whose leaves [0, begin) are
// zero-filled gap leaves.
func (t *traverser) createNewSubtree(ctx context.Context, begin, end, leafOffset uint64, depth uint8, callbacks subtreeCreationCallbacks) (datanode.Node, error) {
	if begin > end {
		panic(errors.AssertionFailedf("creating subtree with begin=%d > end=%d", begin, end))
	}

	if depth == 0 {
		if begin > 1 || end != 1 {
			panic(errors.AssertionFailedf("a new leaf can only be created for one leaf or one gap, got begin=%d end=%d", begin, end))
		}
		var data []byte
		if begin == 0 {
			data = callbacks.OnCreateLeaf(leafOffset)
		} else {
			data = maxSizeLeafData(t.layout)
		}
		leaf, err := t.store.CreateLeaf(ctx, data)
		if err != nil {
			return nil, err
		}
		t.grew = true
		return leaf, nil
	}

	leavesPerChild := t.layout.MustNumLeavesPerFullSubtree(depth - 1)
	beginChild := begin / leavesPerChild
	endChild := ceilDiv(end, leavesPerChild)
	if endChild > uint64(t.layout.MaxChildrenPerInnerNode()) {
		panic(errors.AssertionFailedf("subtree of depth %d can't hold %d leaves", depth, end))
	}

	children := make([]types.BlockID, 0, endChild)
	for childIndex := uint64(0); childIndex < beginChild; childIndex++ {
		child, err := t.createNewSubtree(ctx, leavesPerChild, leavesPerChild, leafOffset+childIndex*leavesPerChild, depth-1, gapOnlyCallbacks{})
		if err != nil {
			return nil, err
		}
		children = append(children, child.ID())
	}
	for childIndex := beginChild; childIndex < endChild; childIndex++ {
		childOffset := childIndex * leavesPerChild
		localBegin := saturatingSub(begin, childOffset)
		localEnd := min(leavesPerChild, end-childOffset)
		child, err := t.createNewSubtree(ctx, localBegin, localEnd, leafOffset+childOffset, depth-1, callbacks)
		if err != nil {
			return nil, err
		}
		children = append(children, child.ID())
	}

	if len(children) == 0 {
		panic(errors.AssertionFailedf("no children created for new subtree of depth %d", depth))
	}
	node, err := t.store.CreateInner(ctx, depth, children)
	if err != nil {
		return nil, err
	}
	if end > begin {
		if err := callbacks.OnBacktrackFromSubtree(ctx, node); err != nil {
			return nil, err
		}
	}
	if err := t.store.StoreIfDirty(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// checkTreeCapacity fails with ErrOverflow if a tree of MaxDepth can't hold
// numLeaves leaves. It runs before a traversal so a rejected operation
// writes nothing.
func checkTreeCapacity(layout datanode.Layout, numLeaves uint64) error {
	maxLeaves, err := layout.NumLeavesPerFullSubtree(datanode.MaxDepth)
	if err != nil {
		// capacity beyond 64 bits, every leaf index fits
		return nil
	}
	if numLeaves > maxLeaves {
		return fmt.Errorf("%w: %d leaves exceed the capacity of %d leaves at depth %d", ErrOverflow, numLeaves, maxLeaves, datanode.MaxDepth)
	}
	return nil
}

// increaseTreeDepth moves the root's content into a new block and turns the
// root into an inner node with that block as its only child. The root keeps its id.
func (t *traverser) increaseTreeDepth(ctx context.Context, root datanode.Node) (datanode.Node, error) {
	if root.Depth() >= datanode.MaxDepth {
		return nil, fmt.Errorf("%w: tree can't grow beyond depth %d", ErrOverflow, datanode.MaxDepth)
	}
	copyOfOldRoot, err := t.store.CreateCopyOf(ctx, root)
	if err != nil {
		return nil, err
	}
	logger.Sugar.Debugf("increasing depth of tree %s to %d, old root content moved to %s", root.ID(), root.Depth()+1, copyOfOldRoot.ID())
	return t.store.ConvertToNewInnerNode(root, copyOfOldRoot), nil
}

// whileRootHasOnlyOneChildReplaceRootWithItsChild collapses a chain of
// single-child nodes below the root into the root block. The new root
// content is stored before the collapsed blocks are removed.
func (t *traverser) whileRootHasOnlyOneChildReplaceRootWithItsChild(ctx context.Context, root datanode.Node) (datanode.Node, error) {
	inner, ok := root.(*datanode.InnerNode)
	if !ok || inner.NumChildren() != 1 {
		return root, nil
	}
	if !t.allowWrites {
		panic(errors.AssertionFailedf("can't decrease tree depth in a read-only traversal"))
	}

	var collapsed []types.BlockID
	current := inner.Child(0)
	var newContent datanode.Node
	for {
		node, exists, err := t.store.Load(ctx, current)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: tried to load %s to decrease tree depth", datanode.ErrNodeNotFound, current)
		}
		collapsed = append(collapsed, current)
		if child, ok := node.(*datanode.InnerNode); ok && child.NumChildren() == 1 {
			current = child.Child(0)
			continue
		}
		newContent = node
		break
	}

	newRoot := t.store.OverwriteNodeWith(root.ID(), newContent)
	if err := t.store.Store(ctx, newRoot); err != nil {
		return nil, err
	}
	logger.Sugar.Debugf("decreased depth of tree %s from %d to %d", root.ID(), root.Depth(), newRoot.Depth())

	for _, id := range collapsed {
		result, err := t.store.RemoveByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if result != types.RemoveResultRemoved {
			return nil, fmt.Errorf("%w: tried to remove collapsed node %s", datanode.ErrNodeNotFound, id)
		}
	}
	return newRoot, nil
}

// gapFillingCallbacks wraps the caller's callbacks for a new child of an
// existing node. Children left of the traversal range only get gap leaves.
type gapFillingCallbacks struct {
	isGap   bool
	layout  datanode.Layout
	wrapped LeafCallbacks
}

func (c gapFillingCallbacks) OnCreateLeaf(leafIndex uint64) []byte {
	if c.isGap {
		return maxSizeLeafData(c.layout)
	}
	return c.wrapped.OnCreateLeaf(leafIndex)
}

func (c gapFillingCallbacks) OnBacktrackFromSubtree(ctx context.Context, node *datanode.InnerNode) error {
	return c.wrapped.OnBacktrackFromSubtree(ctx, node)
}

// gapOnlyCallbacks is used for subtrees made entirely of gap leaves
type gapOnlyCallbacks struct{}

func (gapOnlyCallbacks) OnCreateLeaf(uint64) []byte {
	panic(errors.AssertionFailedf("gap subtrees don't traverse any leaves"))
}

func (gapOnlyCallbacks) OnBacktrackFromSubtree(context.Context, *datanode.InnerNode) error {
	return nil
}

// panicCallbacks is used when a subtree is only grown, never traversed
type panicCallbacks struct{}

func (panicCallbacks) OnExistingLeaf(context.Context, uint64, bool, *LeafHandle) error {
	panic(errors.AssertionFailedf("no leaves are traversed here"))
}

func (panicCallbacks) OnCreateLeaf(uint64) []byte {
	panic(errors.AssertionFailedf("no leaves are traversed here"))
}

func (panicCallbacks) OnBacktrackFromSubtree(context.Context, *datanode.InnerNode) error {
	panic(errors.AssertionFailedf("no leaves are traversed here"))
}

func maxSizeLeafData(layout datanode.Layout) []byte {
	return make([]byte, layout.MaxBytesPerLeaf())
}
