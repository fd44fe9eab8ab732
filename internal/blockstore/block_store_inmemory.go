// Package blockstore contains the block store implementations the tree layer
// runs on: an in-memory map, a LevelDB database, an LRU write-back cache and a
// counting wrapper used by tests.
package blockstore

import (
	"context"
	"sync"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// InMemory keeps all blocks in a map. Data is copied on the way in and out.
type InMemory struct {
	blocks map[types.BlockID][]byte
	mu     sync.RWMutex
}

// NewInMemory creates an empty in-memory block store
func NewInMemory() *InMemory {
	return &InMemory{
		blocks: make(map[types.BlockID][]byte),
	}
}

// Load returns a copy of the block's data
func (s *InMemory) Load(ctx context.Context, id types.BlockID) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.blocks[id]
	if !exists {
		return nil, false, nil
	}
	return cloneBytes(data), true, nil
}

// TryCreate stores the block unless the id is already taken
func (s *InMemory) TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[id]; exists {
		return false, nil
	}
	s.blocks[id] = cloneBytes(data)
	return true, nil
}

// Store creates or overwrites the block
func (s *InMemory) Store(ctx context.Context, id types.BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[id] = cloneBytes(data)
	return nil
}

// Remove deletes the block
func (s *InMemory) Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[id]; !exists {
		return types.RemoveResultNotFound, nil
	}
	delete(s.blocks, id)
	return types.RemoveResultRemoved, nil
}

// Exists checks if the block exists
func (s *InMemory) Exists(ctx context.Context, id types.BlockID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.blocks[id]
	return exists, nil
}

// NumBlocks returns the number of stored blocks
func (s *InMemory) NumBlocks(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.blocks)), nil
}

// ForEachBlock calls fn for a snapshot of the stored ids
func (s *InMemory) ForEachBlock(ctx context.Context, fn func(types.BlockID) error) error {
	s.mu.RLock()
	ids := make([]types.BlockID, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; memory is as durable as it gets here
func (s *InMemory) Flush(ctx context.Context, id types.BlockID) error {
	return nil
}

func cloneBytes(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
