package datatree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs/cryfs-sub000/internal/blockstore"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

func TestNewTreeStoreRejectsSmallBlockSize(t *testing.T) {
	_, err := NewTreeStore(blockstore.NewInMemory(), 39)
	assert.Error(t, err)
}

func TestTreeStoreVirtualBlockSize(t *testing.T) {
	store, _ := newTestTreeStore(t, smallBlockSize)
	assert.Equal(t, uint32(smallBlockSize), store.VirtualBlockSizeBytes())
}

func TestTryCreateTree(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTreeStore(t, smallBlockSize)
	id := types.NewRandomBlockID()

	tree, created, err := store.TryCreateTree(ctx, id)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, id, tree.RootID())

	_, created, err = store.TryCreateTree(ctx, id)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoadTree(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTreeStore(t, smallBlockSize)

	_, exists, err := store.LoadTree(ctx, types.NewRandomBlockID())
	require.NoError(t, err)
	assert.False(t, exists)

	tree, data := createTreeWithNumBytes(t, store, 500)
	loaded, exists, err := store.LoadTree(ctx, tree.RootID())
	require.NoError(t, err)
	require.True(t, exists)

	content, err := loaded.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestRemoveTreeByID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTreeStore(t, smallBlockSize)
	tree, _ := createTreeWithNumBytes(t, store, 500)

	result, err := store.RemoveTreeByID(ctx, tree.RootID())
	require.NoError(t, err)
	assert.Equal(t, types.RemoveResultRemoved, result)

	numNodes, err := store.NumNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), numNodes)

	result, err = store.RemoveTreeByID(ctx, tree.RootID())
	require.NoError(t, err)
	assert.Equal(t, types.RemoveResultNotFound, result)
}

func TestLoadBlockDepth(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTreeStore(t, smallBlockSize)
	tree, _ := createTreeWithNumBytes(t, store, hundredLeaves)

	depth, exists, err := store.LoadBlockDepth(ctx, tree.RootID())
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, uint8(hundredLeavesDepth), depth)

	_, exists, err = store.LoadBlockDepth(ctx, types.NewRandomBlockID())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAllTreeRoots(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestTreeStore(t, smallBlockSize)

	roots, err := store.AllTreeRoots(ctx)
	require.NoError(t, err)
	assert.Empty(t, roots)

	first, _ := createTreeWithNumBytes(t, store, 1000)
	second, _ := createTreeWithNumBytes(t, store, 10)
	third, err := store.CreateTree(ctx)
	require.NoError(t, err)

	roots, err = store.AllTreeRoots(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.BlockID{first.RootID(), second.RootID(), third.RootID()}, roots)
}

func TestTreeStoreOverLevelDB(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	db, err := blockstore.OpenLevelDB(path)
	require.NoError(t, err)
	store, err := NewTreeStore(db, smallBlockSize, WithMaxConcurrentRemovals(4))
	require.NoError(t, err)
	tree, data := createTreeWithNumBytes(t, store, 2000)
	id := tree.RootID()
	require.NoError(t, db.Close())

	db, err = blockstore.OpenLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	store, err = NewTreeStore(db, smallBlockSize)
	require.NoError(t, err)

	loaded, exists, err := store.LoadTree(ctx, id)
	require.NoError(t, err)
	require.True(t, exists)
	content, err := loaded.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	result, err := store.RemoveTreeByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RemoveResultRemoved, result)
	numNodes, err := store.NumNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), numNodes)
}
