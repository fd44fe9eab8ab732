package datanode

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cryfs/cryfs-sub000/internal/interfaces"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Store loads, creates, stores and removes nodes on top of a block store.
// It is safe for concurrent use as long as the block store is.
type Store struct {
	blocks interfaces.BlockStore
	layout Layout
}

// NewStore creates a node store whose blocks are blockSizeBytes long
func NewStore(blocks interfaces.BlockStore, blockSizeBytes uint32) (*Store, error) {
	layout, err := NewLayout(blockSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create node store: %w", err)
	}
	return &Store{blocks: blocks, layout: layout}, nil
}

// Layout returns the layout all nodes of this store share
func (s *Store) Layout() Layout {
	return s.layout
}

// VirtualBlockSizeBytes returns the size of a node block
func (s *Store) VirtualBlockSizeBytes() uint32 {
	return s.layout.BlockSizeBytes
}

// Load loads and parses the node, or returns false if the block doesn't exist
func (s *Store) Load(ctx context.Context, id types.BlockID) (Node, bool, error) {
	block, exists, err := s.blocks.Load(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load node %s: %w", id, err)
	}
	if !exists {
		return nil, false, nil
	}
	node, err := parseNode(id, block, s.layout)
	if err != nil {
		return nil, false, err
	}
	return node, true, nil
}

// CreateLeaf creates a leaf with a fresh id
func (s *Store) CreateLeaf(ctx context.Context, data []byte) (*LeafNode, error) {
	s.checkLeafSize(data)
	block := serializeLeaf(data, s.layout)
	id, err := s.createWithFreshID(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf: %w", err)
	}
	return newLeafNode(id, data, s.layout), nil
}

// TryCreateLeaf creates a leaf under the given id, or returns false if the id is taken
func (s *Store) TryCreateLeaf(ctx context.Context, id types.BlockID, data []byte) (*LeafNode, bool, error) {
	s.checkLeafSize(data)
	created, err := s.blocks.TryCreate(ctx, id, serializeLeaf(data, s.layout))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create leaf %s: %w", id, err)
	}
	if !created {
		return nil, false, nil
	}
	return newLeafNode(id, data, s.layout), true, nil
}

// CreateInner creates an inner node with a fresh id
func (s *Store) CreateInner(ctx context.Context, depth uint8, children []types.BlockID) (*InnerNode, error) {
	if depth == 0 {
		panic(errors.AssertionFailedf("inner nodes must have depth >= 1"))
	}
	if len(children) == 0 || uint32(len(children)) > s.layout.MaxChildrenPerInnerNode() {
		panic(errors.AssertionFailedf("inner node with %d children, must be between 1 and %d", len(children), s.layout.MaxChildrenPerInnerNode()))
	}

	id, err := s.createWithFreshID(ctx, serializeInner(depth, children, s.layout))
	if err != nil {
		return nil, fmt.Errorf("failed to create inner node: %w", err)
	}
	node := &InnerNode{
		id:          id,
		depth:       depth,
		children:    make([]types.BlockID, len(children)),
		maxChildren: s.layout.MaxChildrenPerInnerNode(),
	}
	copy(node.children, children)
	return node, nil
}

// CreateCopyOf stores the node's current content under a fresh id
func (s *Store) CreateCopyOf(ctx context.Context, source Node) (Node, error) {
	id, err := s.createWithFreshID(ctx, source.serialize(s.layout))
	if err != nil {
		return nil, fmt.Errorf("failed to copy node %s: %w", source.ID(), err)
	}
	return withID(source, id, s.layout), nil
}

// OverwriteLeaf replaces the block with a leaf holding data, without loading it first
func (s *Store) OverwriteLeaf(ctx context.Context, id types.BlockID, data []byte) error {
	s.checkLeafSize(data)
	if err := s.blocks.Store(ctx, id, serializeLeaf(data, s.layout)); err != nil {
		return fmt.Errorf("failed to overwrite leaf %s: %w", id, err)
	}
	return nil
}

// OverwriteNodeWith returns a dirty node that has dest's id and source's content.
// Nothing is written until the result is stored.
func (s *Store) OverwriteNodeWith(dest types.BlockID, source Node) Node {
	node := withID(source, dest, s.layout)
	switch n := node.(type) {
	case *LeafNode:
		n.dirty = true
	case *InnerNode:
		n.dirty = true
	}
	return node
}

// ConvertToNewInnerNode returns a dirty inner node that reuses node's id and has
// firstChild as its only child.
func (s *Store) ConvertToNewInnerNode(node Node, firstChild Node) *InnerNode {
	return &InnerNode{
		id:          node.ID(),
		depth:       firstChild.Depth() + 1,
		children:    []types.BlockID{firstChild.ID()},
		maxChildren: s.layout.MaxChildrenPerInnerNode(),
		dirty:       true,
	}
}

// Store writes the node to its block and marks it clean
func (s *Store) Store(ctx context.Context, node Node) error {
	if err := s.blocks.Store(ctx, node.ID(), node.serialize(s.layout)); err != nil {
		return fmt.Errorf("failed to store node %s: %w", node.ID(), err)
	}
	node.markClean()
	return nil
}

// StoreIfDirty writes the node only if it has pending changes
func (s *Store) StoreIfDirty(ctx context.Context, node Node) error {
	if !node.IsDirty() {
		return nil
	}
	return s.Store(ctx, node)
}

// RemoveByID removes the node's block without loading it
func (s *Store) RemoveByID(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	result, err := s.blocks.Remove(ctx, id)
	if err != nil {
		return result, fmt.Errorf("failed to remove node %s: %w", id, err)
	}
	return result, nil
}

// Remove removes a loaded node's block
func (s *Store) Remove(ctx context.Context, node Node) error {
	result, err := s.RemoveByID(ctx, node.ID())
	if err != nil {
		return err
	}
	if result != types.RemoveResultRemoved {
		return fmt.Errorf("%w: tried to remove %s", ErrNodeNotFound, node.ID())
	}
	return nil
}

// Exists checks if a block with that id exists
func (s *Store) Exists(ctx context.Context, id types.BlockID) (bool, error) {
	exists, err := s.blocks.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to check node %s: %w", id, err)
	}
	return exists, nil
}

// NumNodes returns the number of blocks in the underlying store
func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.blocks.NumBlocks(ctx)
}

// AllNodes calls fn with the id of every block in the underlying store
func (s *Store) AllNodes(ctx context.Context, fn func(types.BlockID) error) error {
	return s.blocks.ForEachBlock(ctx, fn)
}

// Flush stores the node if it is dirty and asks the block store to persist it
func (s *Store) Flush(ctx context.Context, node Node) error {
	if err := s.StoreIfDirty(ctx, node); err != nil {
		return err
	}
	if err := s.blocks.Flush(ctx, node.ID()); err != nil {
		return fmt.Errorf("failed to flush node %s: %w", node.ID(), err)
	}
	return nil
}

// ClearCacheSlow writes back and drops everything the block store caches.
// Tests use it to force nodes to be reloaded.
func (s *Store) ClearCacheSlow(ctx context.Context) error {
	if clearer, ok := s.blocks.(interfaces.CacheClearer); ok {
		return clearer.ClearCache(ctx)
	}
	return nil
}

func (s *Store) checkLeafSize(data []byte) {
	if uint32(len(data)) > s.layout.MaxBytesPerLeaf() {
		panic(errors.AssertionFailedf("leaf with %d bytes exceeds the maximum of %d", len(data), s.layout.MaxBytesPerLeaf()))
	}
}

func (s *Store) createWithFreshID(ctx context.Context, block []byte) (types.BlockID, error) {
	for {
		id := types.NewRandomBlockID()
		created, err := s.blocks.TryCreate(ctx, id, block)
		if err != nil {
			return types.NullBlockID, err
		}
		if created {
			return id, nil
		}
		logger.Sugar.Debugf("block id collision on %s, retrying", id)
	}
}

// withID returns a copy of node with a different id
func withID(node Node, id types.BlockID, layout Layout) Node {
	switch n := node.(type) {
	case *LeafNode:
		return newLeafNode(id, n.data, layout)
	case *InnerNode:
		children := make([]types.BlockID, len(n.children))
		copy(children, n.children)
		return &InnerNode{
			id:          id,
			depth:       n.depth,
			children:    children,
			maxChildren: layout.MaxChildrenPerInnerNode(),
		}
	default:
		panic(errors.AssertionFailedf("unknown node type %T", node))
	}
}
