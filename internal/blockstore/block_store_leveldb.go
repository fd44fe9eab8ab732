package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cryfs/cryfs-sub000/internal/types"
)

// blockKeyPrefix namespaces block keys inside the database
var blockKeyPrefix = []byte("blk/")

// LevelDB persists blocks in a LevelDB database, one key per block.
// LevelDB synchronizes its own reads and writes; createMu only serializes
// the check-then-put in TryCreate.
type LevelDB struct {
	db       *leveldb.DB
	createMu sync.Mutex
}

// OpenLevelDB opens or creates a LevelDB block store at the given path.
// If path is empty, the database lives in memory.
func OpenLevelDB(path string) (*LevelDB, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open block database at %q: %w", path, err)
	}

	return &LevelDB{db: db}, nil
}

// NewLevelDBFromStorage opens a block store on an explicit goleveldb storage backend
func NewLevelDBFromStorage(stor leveldbstorage.Storage) (*LevelDB, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open block database: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close closes the database
func (s *LevelDB) Close() error {
	return s.db.Close()
}

// Load returns the block's data
func (s *LevelDB) Load(ctx context.Context, id types.BlockID) ([]byte, bool, error) {
	data, err := s.db.Get(blockKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load block %s: %w", id, err)
	}
	return data, true, nil
}

// TryCreate stores the block unless the id is already taken
func (s *LevelDB) TryCreate(ctx context.Context, id types.BlockID, data []byte) (bool, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	exists, err := s.db.Has(blockKey(id), nil)
	if err != nil {
		return false, fmt.Errorf("failed to check block %s: %w", id, err)
	}
	if exists {
		return false, nil
	}
	if err := s.db.Put(blockKey(id), data, nil); err != nil {
		return false, fmt.Errorf("failed to create block %s: %w", id, err)
	}
	return true, nil
}

// Store creates or overwrites the block
func (s *LevelDB) Store(ctx context.Context, id types.BlockID, data []byte) error {
	if err := s.db.Put(blockKey(id), data, nil); err != nil {
		return fmt.Errorf("failed to store block %s: %w", id, err)
	}
	return nil
}

// Remove deletes the block
func (s *LevelDB) Remove(ctx context.Context, id types.BlockID) (types.RemoveResult, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	exists, err := s.db.Has(blockKey(id), nil)
	if err != nil {
		return types.RemoveResultNotFound, fmt.Errorf("failed to check block %s: %w", id, err)
	}
	if !exists {
		return types.RemoveResultNotFound, nil
	}
	if err := s.db.Delete(blockKey(id), nil); err != nil {
		return types.RemoveResultNotFound, fmt.Errorf("failed to remove block %s: %w", id, err)
	}
	return types.RemoveResultRemoved, nil
}

// Exists checks if the block exists
func (s *LevelDB) Exists(ctx context.Context, id types.BlockID) (bool, error) {
	exists, err := s.db.Has(blockKey(id), nil)
	if err != nil {
		return false, fmt.Errorf("failed to check block %s: %w", id, err)
	}
	return exists, nil
}

// NumBlocks counts the stored blocks by scanning the key space
func (s *LevelDB) NumBlocks(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.ForEachBlock(ctx, func(types.BlockID) error {
		count++
		return nil
	})
	return count, err
}

// ForEachBlock calls fn for every stored block id in key order
func (s *LevelDB) ForEachBlock(ctx context.Context, fn func(types.BlockID) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(blockKeyPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := types.BlockIDFromBytes(iter.Key()[len(blockKeyPrefix):])
		if err != nil {
			return fmt.Errorf("corrupt block key %x: %w", iter.Key(), err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}

	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to iterate blocks: %w", err)
	}
	return nil
}

// Flush rewrites the block with a synced write
func (s *LevelDB) Flush(ctx context.Context, id types.BlockID) error {
	data, err := s.db.Get(blockKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to flush block %s: %w", id, err)
	}
	if err := s.db.Put(blockKey(id), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to flush block %s: %w", id, err)
	}
	return nil
}

func blockKey(id types.BlockID) []byte {
	key := make([]byte, 0, len(blockKeyPrefix)+types.BlockIDLen)
	key = append(key, blockKeyPrefix...)
	return append(key, id[:]...)
}
