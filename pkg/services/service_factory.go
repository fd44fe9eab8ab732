package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cryfs/cryfs-sub000/internal/blockstore"
	"github.com/cryfs/cryfs-sub000/internal/config"
	"github.com/cryfs/cryfs-sub000/internal/datatree"
	"github.com/cryfs/cryfs-sub000/internal/interfaces"
	"github.com/cryfs/cryfs-sub000/internal/logger"
)

// ServiceFactory opens the block store stack described by a Config and hands
// out the services built on it
type ServiceFactory struct {
	config      *config.Config
	blobService *blobService
	mu          sync.RWMutex
	initialized bool
}

// Common errors
var (
	ErrServiceNotAvailable = errors.New("service not available")
)

// NewServiceFactory creates a new service factory instance
func NewServiceFactory(cfg *config.Config) *ServiceFactory {
	return &ServiceFactory{config: cfg}
}

// Initialize opens the block store and creates all services
func (sf *ServiceFactory) Initialize() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.initialized {
		return nil
	}
	if sf.config == nil {
		return fmt.Errorf("%w: no configuration", ErrServiceNotAvailable)
	}
	if err := sf.config.Validate(); err != nil {
		return err
	}

	// The LevelDB store is the foundation, everything else wraps it. An
	// empty storage path keeps the database in memory.
	leveldb, err := blockstore.OpenLevelDB(sf.config.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to open block store: %w", err)
	}
	var db interfaces.BlockStoreCloser = leveldb

	var blocks interfaces.BlockStore = db
	if sf.config.CacheEnabled {
		caching, err := blockstore.NewCaching(db, blockstore.CacheConfig{MaxBlocks: sf.config.CacheSize})
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to create block cache: %w", err)
		}
		blocks = caching
	}

	trees, err := datatree.NewTreeStore(blocks, sf.config.BlockSizeBytes,
		datatree.WithMaxConcurrentRemovals(sf.config.MaxConcurrentRemovals))
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create tree store: %w", err)
	}

	sf.blobService = newBlobService(trees, db)
	sf.blobService.storagePath = sf.config.StoragePath
	sf.blobService.cached = sf.config.CacheEnabled
	sf.initialized = true

	logger.Sugar.Debugf("opened block store at %q (block size %d, cache %v)",
		sf.config.StoragePath, sf.config.BlockSizeBytes, sf.config.CacheEnabled)
	return nil
}

// BlobService returns the blob service instance
func (sf *ServiceFactory) BlobService() (BlobService, error) {
	if err := sf.Initialize(); err != nil {
		return nil, err
	}

	sf.mu.RLock()
	defer sf.mu.RUnlock()
	if sf.blobService == nil {
		return nil, ErrServiceNotAvailable
	}
	return sf.blobService, nil
}

// Shutdown flushes caches and closes the block store
func (sf *ServiceFactory) Shutdown() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.initialized {
		return nil
	}

	if sf.blobService != nil {
		if err := sf.blobService.Close(); err != nil {
			return err
		}
	}

	sf.blobService = nil
	sf.initialized = false
	return nil
}

// IsInitialized returns whether the factory has been initialized
func (sf *ServiceFactory) IsInitialized() bool {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.initialized
}
