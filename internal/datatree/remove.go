package datatree

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// subtreeRemover deletes subtrees. Siblings are removed concurrently, at most
// maxConcurrent at a time per parent; 0 means no limit.
type subtreeRemover struct {
	store         *datanode.Store
	maxConcurrent int
}

// removeSubtree removes a loaded node and everything below it.
// A node's own block is removed before its children.
func (r *subtreeRemover) removeSubtree(ctx context.Context, node datanode.Node) error {
	switch n := node.(type) {
	case *datanode.LeafNode:
		return r.store.Remove(ctx, n)
	case *datanode.InnerNode:
		children := n.Children()
		if err := r.store.Remove(ctx, n); err != nil {
			return err
		}
		return r.removeSubtreesByID(ctx, n.Depth()-1, children)
	default:
		return fmt.Errorf("unknown node type %T", node)
	}
}

// removeSubtreesByID concurrently removes the subtrees rooted at ids, which all have the given depth
func (r *subtreeRemover) removeSubtreesByID(ctx context.Context, depth uint8, ids []types.BlockID) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.maxConcurrent > 0 {
		g.SetLimit(r.maxConcurrent)
	}
	for _, id := range ids {
		g.Go(func() error {
			return r.removeSubtreeByID(gctx, depth, id)
		})
	}
	return g.Wait()
}

func (r *subtreeRemover) removeSubtreeByID(ctx context.Context, depth uint8, id types.BlockID) error {
	if depth == 0 {
		result, err := r.store.RemoveByID(ctx, id)
		if err != nil {
			return err
		}
		if result != types.RemoveResultRemoved {
			return fmt.Errorf("%w: tried to remove leaf %s", datanode.ErrNodeNotFound, id)
		}
		return nil
	}

	node, exists, err := r.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: tried to load inner node %s for removal", datanode.ErrNodeNotFound, id)
	}
	inner, ok := node.(*datanode.InnerNode)
	if !ok || inner.Depth() != depth {
		return fmt.Errorf("%w: tried to remove %s at depth %d but it has depth %d", datanode.ErrUnexpectedDepth, id, depth, node.Depth())
	}
	return r.removeSubtree(ctx, inner)
}

// pruneChildren shrinks node to numChildren, stores it and then removes the
// subtrees that are no longer referenced
func (r *subtreeRemover) pruneChildren(ctx context.Context, node *datanode.InnerNode, numChildren uint32) error {
	if numChildren >= node.NumChildren() {
		return nil
	}
	orphans := node.Children()[numChildren:]
	if err := node.ShrinkNumChildren(numChildren); err != nil {
		return err
	}
	if err := r.store.Store(ctx, node); err != nil {
		return err
	}
	logger.Sugar.Debugf("pruning %d subtrees of depth %d below %s", len(orphans), node.Depth()-1, node.ID())
	return r.removeSubtreesByID(ctx, node.Depth()-1, orphans)
}
