package datatree

import (
	"context"
	"fmt"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/interfaces"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// TreeStore creates, loads and removes trees on top of a block store
type TreeStore struct {
	nodes                 *datanode.Store
	maxConcurrentRemovals int
}

// Option configures a TreeStore
type Option func(*TreeStore)

// WithMaxConcurrentRemovals caps the number of sibling subtrees that are
// removed or loaded concurrently below one node. 0 means no limit.
func WithMaxConcurrentRemovals(n int) Option {
	return func(s *TreeStore) {
		s.maxConcurrentRemovals = max(0, n)
	}
}

// NewTreeStore returns a tree store whose nodes are blockSizeBytes large
func NewTreeStore(blocks interfaces.BlockStore, blockSizeBytes uint32, opts ...Option) (*TreeStore, error) {
	nodes, err := datanode.NewStore(blocks, blockSizeBytes)
	if err != nil {
		return nil, err
	}
	s := &TreeStore{nodes: nodes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NodeStore exposes the underlying node store for tooling
func (s *TreeStore) NodeStore() *datanode.Store {
	return s.nodes
}

// CreateTree creates an empty tree with a fresh root id
func (s *TreeStore) CreateTree(ctx context.Context) (*Tree, error) {
	root, err := s.nodes.CreateLeaf(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create root leaf: %w", err)
	}
	logger.Sugar.Debugf("created tree %s", root.ID())
	return newTree(root, s.nodes, s.maxConcurrentRemovals), nil
}

// TryCreateTree creates an empty tree with the given root id. It returns
// false if a block with that id already exists.
func (s *TreeStore) TryCreateTree(ctx context.Context, id types.BlockID) (*Tree, bool, error) {
	root, created, err := s.nodes.TryCreateLeaf(ctx, id, nil)
	if err != nil || !created {
		return nil, false, err
	}
	logger.Sugar.Debugf("created tree %s", id)
	return newTree(root, s.nodes, s.maxConcurrentRemovals), true, nil
}

// LoadTree loads the tree with the given root id. It returns false if no such block exists.
func (s *TreeStore) LoadTree(ctx context.Context, id types.BlockID) (*Tree, bool, error) {
	root, exists, err := s.nodes.Load(ctx, id)
	if err != nil || !exists {
		return nil, false, err
	}
	return newTree(root, s.nodes, s.maxConcurrentRemovals), true, nil
}

// RemoveTreeByID removes all blocks of the tree with the given root id
func (s *TreeStore) RemoveTreeByID(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	tree, exists, err := s.LoadTree(ctx, id)
	if err != nil {
		return types.RemoveResultNotFound, err
	}
	if !exists {
		return types.RemoveResultNotFound, nil
	}
	if err := tree.Remove(ctx); err != nil {
		return types.RemoveResultNotFound, fmt.Errorf("failed to remove tree %s: %w", id, err)
	}
	logger.Sugar.Debugf("removed tree %s", id)
	return types.RemoveResultRemoved, nil
}

// NumNodes returns the number of nodes of all trees in the store
func (s *TreeStore) NumNodes(ctx context.Context) (uint64, error) {
	return s.nodes.NumNodes(ctx)
}

// VirtualBlockSizeBytes is the size of every node block, header included
func (s *TreeStore) VirtualBlockSizeBytes() uint32 {
	return s.nodes.VirtualBlockSizeBytes()
}

// LoadBlockDepth returns the depth of the node stored in the block. It returns
// false if the block doesn't exist.
func (s *TreeStore) LoadBlockDepth(ctx context.Context, id types.BlockID) (uint8, bool, error) {
	node, exists, err := s.nodes.Load(ctx, id)
	if err != nil || !exists {
		return 0, false, err
	}
	return node.Depth(), true, nil
}

// AllTreeRoots loads every node in the store and returns the ids that aren't
// a child of any inner node. It is slow and meant for diagnostics.
func (s *TreeStore) AllTreeRoots(ctx context.Context) ([]types.BlockID, error) {
	var ids []types.BlockID
	if err := s.nodes.AllNodes(ctx, func(id types.BlockID) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return nil, err
	}

	children := make(map[types.BlockID]struct{})
	for _, id := range ids {
		node, exists, err := s.nodes.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load node %s: %w", id, err)
		}
		if !exists {
			// removed while we were iterating
			continue
		}
		if inner, ok := node.(*datanode.InnerNode); ok {
			for _, child := range inner.Children() {
				children[child] = struct{}{}
			}
		}
	}

	var roots []types.BlockID
	for _, id := range ids {
		if _, isChild := children[id]; !isChild {
			roots = append(roots, id)
		}
	}
	return roots, nil
}

// ClearCacheSlow writes back and drops everything cached by the block store
func (s *TreeStore) ClearCacheSlow(ctx context.Context) error {
	return s.nodes.ClearCacheSlow(ctx)
}
