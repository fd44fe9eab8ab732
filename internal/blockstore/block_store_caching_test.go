package blockstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// stallingStore holds up loads of one block after reading it until released
type stallingStore struct {
	*InMemory
	stall   types.BlockID
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingStore(stall types.BlockID) *stallingStore {
	return &stallingStore{
		InMemory: NewInMemory(),
		stall:    stall,
		reached:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *stallingStore) Load(ctx context.Context, id types.BlockID) ([]byte, bool, error) {
	data, exists, err := s.InMemory.Load(ctx, id)
	if id == s.stall {
		s.once.Do(func() { close(s.reached) })
		<-s.release
	}
	return data, exists, err
}

type loadResult struct {
	data   []byte
	exists bool
	err    error
}

// startStalledLoad loads the stalled block in the background and waits until
// the base store holds it up
func startStalledLoad(t *testing.T, cache *Caching, base *stallingStore) <-chan loadResult {
	t.Helper()
	done := make(chan loadResult, 1)
	go func() {
		data, exists, err := cache.Load(context.Background(), base.stall)
		done <- loadResult{data, exists, err}
	}()
	select {
	case <-base.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("load never reached the base store")
	}
	return done
}

func TestCachingLoadDoesNotBlockOtherBlocks(t *testing.T) {
	ctx := context.Background()
	slow := types.NewRandomBlockID()
	base := newStallingStore(slow)
	require.NoError(t, base.Store(ctx, slow, []byte{1}))
	cache, err := NewCaching(base, DefaultCacheConfig())
	require.NoError(t, err)

	other := types.NewRandomBlockID()
	require.NoError(t, base.Store(ctx, other, []byte{2}))
	cached := types.NewRandomBlockID()
	require.NoError(t, cache.Store(ctx, cached, []byte{3}))

	stalled := startStalledLoad(t, cache, base)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		data, exists, err := cache.Load(ctx, other)
		assert.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, []byte{2}, data)

		data, _, err = cache.Load(ctx, cached)
		assert.NoError(t, err)
		assert.Equal(t, []byte{3}, data)

		_, err = cache.Exists(ctx, other)
		assert.NoError(t, err)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("a pending load blocked the cache")
	}

	close(base.release)
	result := <-stalled
	require.NoError(t, result.err)
	assert.True(t, result.exists)
	assert.Equal(t, []byte{1}, result.data)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCachingLoadRacingWrites(t *testing.T) {
	tests := []struct {
		name       string
		interfere  func(ctx context.Context, t *testing.T, cache *Caching, id types.BlockID)
		wantData   []byte
		wantExists bool
	}{
		{
			name: "store stays cached",
			interfere: func(ctx context.Context, t *testing.T, cache *Caching, id types.BlockID) {
				require.NoError(t, cache.Store(ctx, id, []byte("new")))
			},
			wantData:   []byte("new"),
			wantExists: true,
		},
		{
			name: "store evicted before the load finishes",
			interfere: func(ctx context.Context, t *testing.T, cache *Caching, id types.BlockID) {
				require.NoError(t, cache.Store(ctx, id, []byte("new")))
				require.NoError(t, cache.Store(ctx, types.NewRandomBlockID(), []byte("evicts")))
			},
			wantData:   []byte("new"),
			wantExists: true,
		},
		{
			name: "remove",
			interfere: func(ctx context.Context, t *testing.T, cache *Caching, id types.BlockID) {
				result, err := cache.Remove(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, types.RemoveResultRemoved, result)
			},
			wantExists: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			id := types.NewRandomBlockID()
			base := newStallingStore(id)
			require.NoError(t, base.Store(ctx, id, []byte("old")))
			cache, err := NewCaching(base, CacheConfig{MaxBlocks: 1})
			require.NoError(t, err)

			stalled := startStalledLoad(t, cache, base)
			tt.interfere(ctx, t, cache, id)
			close(base.release)
			require.NoError(t, (<-stalled).err)

			// the load that raced the write must not leave old data behind
			data, exists, err := cache.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExists, exists)
			if tt.wantExists {
				assert.Equal(t, tt.wantData, data)
			}
			exists, err = cache.Exists(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExists, exists)
		})
	}
}
