package blockstore

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cryfs/cryfs-sub000/internal/interfaces"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

// Caching is a write-back LRU cache in front of another block store.
// Stores only touch the cache; dirty blocks reach the base store when they
// are evicted, flushed or when the cache is cleared.
type Caching struct {
	base   interfaces.BlockStore
	blocks *lru.Cache[types.BlockID, *cachedBlock]

	maxBlocks int

	// Statistics
	hits      int64
	misses    int64
	evictions int64
	writeBack int64

	// loads holds the base loads currently running without mu
	loads map[types.BlockID]*pendingLoad

	// mu makes lookups plus write-back atomic with respect to each other
	mu sync.Mutex
}

// pendingLoad is shared by the concurrent base loads of one id. A load that
// became stale while it ran must not fill the cache.
type pendingLoad struct {
	refs  int
	stale bool
}

// cachedBlock is a block held in the cache
type cachedBlock struct {
	data  []byte
	dirty bool
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxBlocks int // Maximum number of blocks to keep in memory
}

// CacheStats is a point-in-time copy of the cache counters
type CacheStats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	WriteBacks int64
	Cached     int
}

// DefaultCacheConfig returns the recommended cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxBlocks: 1024,
	}
}

// NewCaching wraps base with an LRU write-back cache
func NewCaching(base interfaces.BlockStore, config CacheConfig) (*Caching, error) {
	if config.MaxBlocks <= 0 {
		config.MaxBlocks = DefaultCacheConfig().MaxBlocks
	}

	cache, err := lru.New[types.BlockID, *cachedBlock](config.MaxBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Caching{
		base:      base,
		blocks:    cache,
		maxBlocks: config.MaxBlocks,
		loads:     make(map[types.BlockID]*pendingLoad),
	}, nil
}

// Load returns the block from the cache or loads it from the base store.
// The base store is read without holding the cache lock.
func (c *Caching) Load(ctx context.Context, id types.BlockID) ([]byte, bool, error) {
	c.mu.Lock()
	if block, ok := c.blocks.Get(id); ok {
		c.hits++
		c.mu.Unlock()
		return cloneBytes(block.data), true, nil
	}
	c.misses++
	load := c.beginLoad(id)
	c.mu.Unlock()

	data, exists, err := c.base.Load(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLoad(id, load)

	if block, ok := c.blocks.Get(id); ok {
		// written while we were loading
		return cloneBytes(block.data), true, nil
	}
	if err != nil || !exists || load.stale {
		return data, exists, err
	}
	if err := c.insert(ctx, id, &cachedBlock{data: cloneBytes(data)}); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// TryCreate creates the block in the cache unless the id is already taken
func (c *Caching) TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blocks.Contains(id) {
		return false, nil
	}
	exists, err := c.base.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := c.insert(ctx, id, &cachedBlock{data: cloneBytes(data), dirty: true}); err != nil {
		return false, err
	}
	c.invalidateLoads(id)
	return true, nil
}

// Store writes the block into the cache and marks it dirty
func (c *Caching) Store(ctx context.Context, id types.BlockID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLoads(id)
	if block, ok := c.blocks.Get(id); ok {
		block.data = cloneBytes(data)
		block.dirty = true
		return nil
	}
	return c.insert(ctx, id, &cachedBlock{data: cloneBytes(data), dirty: true})
}

// Remove drops the block from the cache and from the base store
func (c *Caching) Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLoads(id)
	block, cached := c.blocks.Peek(id)
	if cached {
		c.blocks.Remove(id)
	}
	result, err := c.base.Remove(ctx, id)
	if err != nil {
		return result, err
	}
	if cached && block.dirty {
		// The block only ever lived in the cache
		return types.RemoveResultRemoved, nil
	}
	return result, nil
}

// Exists checks the cache first, then the base store
func (c *Caching) Exists(ctx context.Context, id types.BlockID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blocks.Contains(id) {
		return true, nil
	}
	return c.base.Exists(ctx, id)
}

// NumBlocks writes back all dirty blocks and asks the base store
func (c *Caching) NumBlocks(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeBackAll(ctx); err != nil {
		return 0, err
	}
	return c.base.NumBlocks(ctx)
}

// ForEachBlock writes back all dirty blocks and enumerates the base store
func (c *Caching) ForEachBlock(ctx context.Context, fn func(types.BlockID) error) error {
	c.mu.Lock()
	err := c.writeBackAll(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.base.ForEachBlock(ctx, fn)
}

// Flush writes the block back if it is dirty and flushes it in the base store
func (c *Caching) Flush(ctx context.Context, id types.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if block, ok := c.blocks.Peek(id); ok && block.dirty {
		if err := c.base.Store(ctx, id, block.data); err != nil {
			return fmt.Errorf("failed to write back block %s: %w", id, err)
		}
		block.dirty = false
		c.writeBack++
	}
	return c.base.Flush(ctx, id)
}

// ClearCache writes back all dirty blocks and empties the cache
func (c *Caching) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeBackAll(ctx); err != nil {
		return err
	}
	c.blocks.Purge()
	return nil
}

// Stats returns a copy of the cache counters
func (c *Caching) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		WriteBacks: c.writeBack,
		Cached:     c.blocks.Len(),
	}
}

// insert adds a block, evicting and writing back the oldest block if the cache is full
func (c *Caching) insert(ctx context.Context, id types.BlockID, block *cachedBlock) error {
	for c.blocks.Len() >= c.maxBlocks {
		oldID, oldBlock, ok := c.blocks.RemoveOldest()
		if !ok {
			break
		}
		c.evictions++
		c.invalidateLoads(oldID)
		if oldBlock.dirty {
			if err := c.base.Store(ctx, oldID, oldBlock.data); err != nil {
				// Keep the block so its data isn't lost
				c.blocks.Add(oldID, oldBlock)
				return fmt.Errorf("failed to write back evicted block %s: %w", oldID, err)
			}
			c.writeBack++
		}
	}
	c.blocks.Add(id, block)
	return nil
}

// writeBackAll stores every dirty block in the base store. Caller holds mu.
func (c *Caching) writeBackAll(ctx context.Context) error {
	for _, id := range c.blocks.Keys() {
		block, ok := c.blocks.Peek(id)
		if !ok || !block.dirty {
			continue
		}
		if err := c.base.Store(ctx, id, block.data); err != nil {
			return fmt.Errorf("failed to write back block %s: %w", id, err)
		}
		block.dirty = false
		c.writeBack++
	}
	return nil
}

// beginLoad registers a base load of id. Caller holds mu.
func (c *Caching) beginLoad(id types.BlockID) *pendingLoad {
	load, ok := c.loads[id]
	if !ok {
		load = &pendingLoad{}
		c.loads[id] = load
	}
	load.refs++
	return load
}

// endLoad unregisters a base load of id. Caller holds mu.
func (c *Caching) endLoad(id types.BlockID, load *pendingLoad) {
	load.refs--
	if load.refs == 0 {
		delete(c.loads, id)
	}
}

// invalidateLoads keeps running base loads of id out of the cache. Caller holds mu.
func (c *Caching) invalidateLoads(id types.BlockID) {
	if load, ok := c.loads[id]; ok {
		load.stale = true
	}
}
