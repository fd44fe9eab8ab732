package services

import (
	"context"
	"io"

	"github.com/cryfs/cryfs-sub000/internal/datatree"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// BlobInfo represents basic blob metadata
type BlobInfo struct {
	ID        types.BlockID
	NumBytes  uint64
	NumNodes  uint64
	Depth     uint8
	BlockSize uint32
}

// StoreInfo represents statistics of the whole store
type StoreInfo struct {
	BlockSize   uint32
	NumBlocks   uint64
	StoragePath string
	Cached      bool
}

// BlobService provides blob-level operations. At most one Tree per root id is
// live at a time; callers get exclusive access to it inside WithTree.
type BlobService interface {
	// CreateBlob creates an empty blob and returns its id
	CreateBlob(ctx context.Context) (types.BlockID, error)

	// WithTree loads the blob and runs fn on it while holding the blob's lock.
	// Pending root changes are flushed after fn returns.
	WithTree(ctx context.Context, id types.BlockID, fn func(tree *datatree.Tree) error) error

	// RemoveBlob deletes all blocks of the blob
	RemoveBlob(ctx context.Context, id types.BlockID) (types.RemoveResult, error)

	// Stat returns size information about the blob
	Stat(ctx context.Context, id types.BlockID) (BlobInfo, error)

	// ReadBlob writes the blob content in [offset, offset+length) to w.
	// A negative length reads to the end of the blob.
	ReadBlob(ctx context.Context, id types.BlockID, offset uint64, length int64, w io.Writer) (int64, error)

	// WriteBlob writes everything from r into the blob starting at offset
	WriteBlob(ctx context.Context, id types.BlockID, offset uint64, r io.Reader) (int64, error)

	// ResizeBlob grows the blob with zeroes or truncates it
	ResizeBlob(ctx context.Context, id types.BlockID, numBytes uint64) error

	// ListBlocks returns the ids of all blocks of the blob
	ListBlocks(ctx context.Context, id types.BlockID) ([]types.BlockID, error)

	// ListBlobs returns the root ids of all blobs in the store
	ListBlobs(ctx context.Context) ([]types.BlockID, error)

	// DescribeTree renders the node structure of the blob
	DescribeTree(ctx context.Context, id types.BlockID) (string, error)

	// StoreInfo returns statistics of the underlying store
	StoreInfo(ctx context.Context) (StoreInfo, error)

	// Close flushes cached blocks and releases the store
	Close() error
}
