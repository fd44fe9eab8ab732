// File: internal/interfaces/block_store.go
package interfaces

import (
	"context"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// BlockStore provides methods for persisting opaque, fixed-size blocks by id.
// Implementations must be safe for concurrent use; the tree layer issues
// loads and removals for sibling subtrees from several goroutines at once.
type BlockStore interface {
	// Load returns the block's data, or false if no block with that id exists
	Load(ctx context.Context, id types.BlockID) ([]byte, bool, error)

	// TryCreate stores a new block and returns false without writing if the id is taken
	TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error)

	// Store creates or overwrites a block
	Store(ctx context.Context, id types.BlockID, data []byte) error

	// Remove deletes a block
	Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error)

	// Exists checks if a block with that id exists
	Exists(ctx context.Context, id types.BlockID) (bool, error)

	// NumBlocks returns the number of blocks currently stored
	NumBlocks(ctx context.Context) (uint64, error)

	// ForEachBlock calls fn for the id of every stored block, in no particular order
	ForEachBlock(ctx context.Context, fn func(types.BlockID) error) error

	// Flush makes sure pending writes to the given block reached durable storage
	Flush(ctx context.Context, id types.BlockID) error
}

// CacheClearer is implemented by block stores that keep blocks in memory.
// It is a diagnostic hook used to force cold reloads.
type CacheClearer interface {
	// ClearCache writes back all pending blocks and empties the cache
	ClearCache(ctx context.Context) error
}

// BlockStoreCloser is implemented by block stores that hold resources.
type BlockStoreCloser interface {
	BlockStore

	// Close releases the store's resources
	Close() error
}
