package blockstore

import (
	"context"
	"sync/atomic"

	"github.com/cryfs/cryfs-sub000/internal/interfaces"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Counts is a snapshot of the calls a Tracking store has seen
type Counts struct {
	Loads        int64
	TryCreates   int64
	Stores       int64
	Removes      int64
	Exists       int64
	NumBlocks    int64
	ForEachBlock int64
	Flushes      int64
}

// Tracking forwards every call to a base store and counts it.
// Tests use it to check how many block operations an algorithm performs.
type Tracking struct {
	base interfaces.BlockStore

	loads        atomic.Int64
	tryCreates   atomic.Int64
	stores       atomic.Int64
	removes      atomic.Int64
	exists       atomic.Int64
	numBlocks    atomic.Int64
	forEachBlock atomic.Int64
	flushes      atomic.Int64
}

// NewTracking wraps base
func NewTracking(base interfaces.BlockStore) *Tracking {
	return &Tracking{base: base}
}

func (t *Tracking) Load(ctx context.Context, id types.BlockID) ([]byte, bool, error) {
	t.loads.Add(1)
	return t.base.Load(ctx, id)
}

func (t *Tracking) TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error) {
	t.tryCreates.Add(1)
	return t.base.TryCreate(ctx, id, data)
}

func (t *Tracking) Store(ctx context.Context, id types.BlockID, data []byte) error {
	t.stores.Add(1)
	return t.base.Store(ctx, id, data)
}

func (t *Tracking) Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	t.removes.Add(1)
	return t.base.Remove(ctx, id)
}

func (t *Tracking) Exists(ctx context.Context, id types.BlockID) (bool, error) {
	t.exists.Add(1)
	return t.base.Exists(ctx, id)
}

func (t *Tracking) NumBlocks(ctx context.Context) (uint64, error) {
	t.numBlocks.Add(1)
	return t.base.NumBlocks(ctx)
}

func (t *Tracking) ForEachBlock(ctx context.Context, fn func(types.BlockID) error) error {
	t.forEachBlock.Add(1)
	return t.base.ForEachBlock(ctx, fn)
}

func (t *Tracking) Flush(ctx context.Context, id types.BlockID) error {
	t.flushes.Add(1)
	return t.base.Flush(ctx, id)
}

// ClearCache forwards to the base store if it caches
func (t *Tracking) ClearCache(ctx context.Context) error {
	if clearer, ok := t.base.(interfaces.CacheClearer); ok {
		return clearer.ClearCache(ctx)
	}
	return nil
}

// Counts returns the current counters
func (t *Tracking) Counts() Counts {
	return Counts{
		Loads:        t.loads.Load(),
		TryCreates:   t.tryCreates.Load(),
		Stores:       t.stores.Load(),
		Removes:      t.removes.Load(),
		Exists:       t.exists.Load(),
		NumBlocks:    t.numBlocks.Load(),
		ForEachBlock: t.forEachBlock.Load(),
		Flushes:      t.flushes.Load(),
	}
}

// Reset zeroes all counters
func (t *Tracking) Reset() {
	t.loads.Store(0)
	t.tryCreates.Store(0)
	t.stores.Store(0)
	t.removes.Store(0)
	t.exists.Store(0)
	t.numBlocks.Store(0)
	t.forEachBlock.Store(0)
	t.flushes.Store(0)
}
