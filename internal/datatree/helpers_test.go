package datatree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryfs/cryfs-sub000/internal/blockstore"
	"github.com/cryfs/cryfs-sub000/internal/datanode"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// With 40 byte blocks a leaf holds 32 bytes and an inner node 2 children
const (
	smallBlockSize  = 40
	smallLeafBytes  = 32
	mediumBlockSize = 64
)

func newTestTreeStore(t *testing.T, blockSize uint32, opts ...Option) (*TreeStore, *blockstore.Tracking) {
	t.Helper()
	blocks := blockstore.NewTracking(blockstore.NewInMemory())
	store, err := NewTreeStore(blocks, blockSize, opts...)
	require.NoError(t, err)
	return store, blocks
}

func dataFixture(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7) + seed
	}
	return data
}

// createTreeWithNumBytes creates a tree filled with a fixture of numBytes bytes
func createTreeWithNumBytes(t *testing.T, store *TreeStore, numBytes int) (*Tree, []byte) {
	t.Helper()
	ctx := context.Background()
	tree, err := store.CreateTree(ctx)
	require.NoError(t, err)
	data := dataFixture(numBytes, 3)
	require.NoError(t, tree.WriteBytes(ctx, data, 0))
	require.NoError(t, tree.Flush(ctx))
	return tree, data
}

// reloadTree drops the handle and loads the tree again with a cold size cache
func reloadTree(t *testing.T, store *TreeStore, tree *Tree) *Tree {
	t.Helper()
	ctx := context.Background()
	id := tree.RootID()
	require.NoError(t, tree.Flush(ctx))
	require.NoError(t, store.ClearCacheSlow(ctx))
	loaded, exists, err := store.LoadTree(ctx, id)
	require.NoError(t, err)
	require.True(t, exists)
	return loaded
}

// treeShape renders the structure of the tree without block ids so trees
// built in different ways can be compared
func treeShape(t *testing.T, store *TreeStore, id types.BlockID) string {
	t.Helper()
	var sb strings.Builder
	writeShape(t, store.NodeStore(), id, &sb)
	return sb.String()
}

func writeShape(t *testing.T, store *datanode.Store, id types.BlockID, sb *strings.Builder) {
	node, exists, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, exists, "block %s missing", id)
	switch n := node.(type) {
	case *datanode.LeafNode:
		fmt.Fprintf(sb, "L%d", n.NumBytes())
	case *datanode.InnerNode:
		fmt.Fprintf(sb, "I%d(", n.Depth())
		for i, child := range n.Children() {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeShape(t, store, child, sb)
		}
		sb.WriteByte(')')
	}
}

func collectBlocks(t *testing.T, tree *Tree) []types.BlockID {
	t.Helper()
	var ids []types.BlockID
	for id, err := range tree.AllBlocks(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// failingBlockStore fails every Store and TryCreate once armed
type failingBlockStore struct {
	*blockstore.InMemory
	armed atomic.Bool
}

var errInjected = errors.New("injected failure")

func (s *failingBlockStore) Store(ctx context.Context, id types.BlockID, data []byte) error {
	if s.armed.Load() {
		return errInjected
	}
	return s.InMemory.Store(ctx, id, data)
}

func (s *failingBlockStore) TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error) {
	if s.armed.Load() {
		return false, errInjected
	}
	return s.InMemory.TryCreate(ctx, id, data)
}

// removalRecorder records the order in which blocks are removed
type removalRecorder struct {
	*blockstore.InMemory
	mu    sync.Mutex
	order []types.BlockID
}

func newRemovalRecorder() *removalRecorder {
	return &removalRecorder{InMemory: blockstore.NewInMemory()}
}

func (s *removalRecorder) Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, id)
	return s.InMemory.Remove(ctx, id)
}

func (s *removalRecorder) removed() []types.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.BlockID(nil), s.order...)
}
