package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xlab/treeprint"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/datatree"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// ErrBlobNotFound is returned when no blob with the given id exists
var ErrBlobNotFound = errors.New("blob not found")

// blobService implements the BlobService interface
type blobService struct {
	trees       *datatree.TreeStore
	closer      io.Closer
	storagePath string
	cached      bool
	locks       *rootLocks
	log         *logger.WrappedLogger
}

// NewBlobService creates a blob service on top of a tree store. closer, if
// not nil, is closed together with the service.
func NewBlobService(trees *datatree.TreeStore, closer io.Closer) BlobService {
	return newBlobService(trees, closer)
}

func newBlobService(trees *datatree.TreeStore, closer io.Closer) *blobService {
	return &blobService{
		trees:  trees,
		closer: closer,
		locks:  newRootLocks(),
		log:    logger.Sugar.WithServiceName("blob"),
	}
}

// CreateBlob creates an empty blob and returns its id
func (bs *blobService) CreateBlob(ctx context.Context) (types.BlockID, error) {
	tree, err := bs.trees.CreateTree(ctx)
	if err != nil {
		return types.NullBlockID, fmt.Errorf("failed to create blob: %w", err)
	}
	id := tree.RootID()

	unlock := bs.locks.lock(id)
	defer unlock()
	if err := tree.Flush(ctx); err != nil {
		return types.NullBlockID, fmt.Errorf("failed to flush blob %s: %w", id, err)
	}
	return id, nil
}

// WithTree loads the blob and runs fn on it while holding the blob's lock
func (bs *blobService) WithTree(ctx context.Context, id types.BlockID, fn func(tree *datatree.Tree) error) error {
	unlock := bs.locks.lock(id)
	defer unlock()

	tree, exists, err := bs.trees.LoadTree(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load blob %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}

	if err := fn(tree); err != nil {
		return err
	}
	if tree.RootID().IsNull() {
		// removed inside fn
		return nil
	}
	return tree.Flush(ctx)
}

// RemoveBlob deletes all blocks of the blob
func (bs *blobService) RemoveBlob(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	unlock := bs.locks.lock(id)
	defer unlock()

	result, err := bs.trees.RemoveTreeByID(ctx, id)
	if err != nil {
		return result, fmt.Errorf("failed to remove blob %s: %w", id, err)
	}
	bs.log.Debugf("removed blob %s: %s", id, result)
	return result, nil
}

// Stat returns size information about the blob
func (bs *blobService) Stat(ctx context.Context, id types.BlockID) (BlobInfo, error) {
	info := BlobInfo{ID: id, BlockSize: bs.trees.VirtualBlockSizeBytes()}
	err := bs.WithTree(ctx, id, func(tree *datatree.Tree) error {
		var err error
		if info.NumBytes, err = tree.NumBytes(ctx); err != nil {
			return err
		}
		if info.NumNodes, err = tree.NumNodes(ctx); err != nil {
			return err
		}
		info.Depth, err = tree.Depth()
		return err
	})
	return info, err
}

// ReadBlob writes the blob content in [offset, offset+length) to w
func (bs *blobService) ReadBlob(ctx context.Context, id types.BlockID, offset uint64, length int64, w io.Writer) (int64, error) {
	var written int64
	err := bs.WithTree(ctx, id, func(tree *datatree.Tree) error {
		numBytes, err := tree.NumBytes(ctx)
		if err != nil {
			return err
		}
		end := numBytes
		if length >= 0 {
			end = offset + uint64(length)
			if end < offset {
				return datatree.ErrOverflow
			}
			if end > numBytes {
				return &datatree.OutOfRangeError{Offset: offset, End: end, NumBytes: numBytes}
			}
		}

		buf := make([]byte, bs.chunkSize())
		for pos := offset; pos < end; {
			chunk := buf[:min(uint64(len(buf)), end-pos)]
			if err := tree.ReadBytes(ctx, pos, chunk); err != nil {
				return err
			}
			n, err := w.Write(chunk)
			written += int64(n)
			if err != nil {
				return fmt.Errorf("failed to write blob content: %w", err)
			}
			pos += uint64(len(chunk))
		}
		return nil
	})
	return written, err
}

// WriteBlob writes everything from r into the blob starting at offset
func (bs *blobService) WriteBlob(ctx context.Context, id types.BlockID, offset uint64, r io.Reader) (int64, error) {
	var total int64
	err := bs.WithTree(ctx, id, func(tree *datatree.Tree) error {
		buf := make([]byte, bs.chunkSize())
		for {
			n, readErr := io.ReadFull(r, buf)
			if n > 0 {
				if err := tree.WriteBytes(ctx, buf[:n], offset+uint64(total)); err != nil {
					return err
				}
				total += int64(n)
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("failed to read input: %w", readErr)
			}
		}
	})
	return total, err
}

// ResizeBlob grows the blob with zeroes or truncates it
func (bs *blobService) ResizeBlob(ctx context.Context, id types.BlockID, numBytes uint64) error {
	return bs.WithTree(ctx, id, func(tree *datatree.Tree) error {
		return tree.ResizeNumBytes(ctx, numBytes)
	})
}

// ListBlocks returns the ids of all blocks of the blob
func (bs *blobService) ListBlocks(ctx context.Context, id types.BlockID) ([]types.BlockID, error) {
	var ids []types.BlockID
	err := bs.WithTree(ctx, id, func(tree *datatree.Tree) error {
		for blockID, err := range tree.AllBlocks(ctx) {
			if err != nil {
				return err
			}
			ids = append(ids, blockID)
		}
		return nil
	})
	return ids, err
}

// ListBlobs returns the root ids of all blobs in the store
func (bs *blobService) ListBlobs(ctx context.Context) ([]types.BlockID, error) {
	return bs.trees.AllTreeRoots(ctx)
}

// DescribeTree renders the node structure of the blob
func (bs *blobService) DescribeTree(ctx context.Context, id types.BlockID) (string, error) {
	unlock := bs.locks.lock(id)
	defer unlock()

	nodes := bs.trees.NodeStore()
	root, exists, err := nodes.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}

	printer := treeprint.NewWithRoot(describeNode(root))
	if err := addChildren(ctx, nodes, root, printer); err != nil {
		return "", err
	}
	return printer.String(), nil
}

func describeNode(node datanode.Node) string {
	switch n := node.(type) {
	case *datanode.LeafNode:
		return fmt.Sprintf("leaf %s (%d bytes)", n.ID(), n.NumBytes())
	case *datanode.InnerNode:
		return fmt.Sprintf("inner %s (depth %d, %d children)", n.ID(), n.Depth(), n.NumChildren())
	default:
		return fmt.Sprintf("unknown node %s", node.ID())
	}
}

func addChildren(ctx context.Context, nodes *datanode.Store, node datanode.Node, branch treeprint.Tree) error {
	inner, ok := node.(*datanode.InnerNode)
	if !ok {
		return nil
	}
	for _, childID := range inner.Children() {
		child, exists, err := nodes.Load(ctx, childID)
		if err != nil {
			return err
		}
		if !exists {
			branch.AddNode(fmt.Sprintf("missing %s", childID))
			continue
		}
		if _, isLeaf := child.(*datanode.LeafNode); isLeaf {
			branch.AddNode(describeNode(child))
			continue
		}
		if err := addChildren(ctx, nodes, child, branch.AddBranch(describeNode(child))); err != nil {
			return err
		}
	}
	return nil
}

// StoreInfo returns statistics of the underlying store
func (bs *blobService) StoreInfo(ctx context.Context) (StoreInfo, error) {
	numBlocks, err := bs.trees.NumNodes(ctx)
	if err != nil {
		return StoreInfo{}, err
	}
	return StoreInfo{
		BlockSize:   bs.trees.VirtualBlockSizeBytes(),
		NumBlocks:   numBlocks,
		StoragePath: bs.storagePath,
		Cached:      bs.cached,
	}, nil
}

// Close flushes cached blocks and releases the store
func (bs *blobService) Close() error {
	if err := bs.trees.ClearCacheSlow(context.Background()); err != nil {
		return fmt.Errorf("failed to flush cache: %w", err)
	}
	if bs.closer != nil {
		if err := bs.closer.Close(); err != nil {
			return fmt.Errorf("failed to close block store: %w", err)
		}
	}
	bs.log.Debugf("closed blob service")
	return nil
}

func (bs *blobService) chunkSize() int {
	return 64 * int(bs.trees.VirtualBlockSizeBytes())
}

// rootLocks hands out one mutex per root id. Entries are dropped when the
// last holder unlocks.
type rootLocks struct {
	mu    sync.Mutex
	locks map[types.BlockID]*rootLock
}

type rootLock struct {
	sync.Mutex
	refs int
}

func newRootLocks() *rootLocks {
	return &rootLocks{locks: make(map[types.BlockID]*rootLock)}
}

// lock blocks until the caller holds the lock for id and returns the unlock function
func (l *rootLocks) lock(id types.BlockID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &rootLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *rootLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
