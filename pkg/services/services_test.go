package services

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cryfs/cryfs-sub000/internal/blockstore"
	"github.com/cryfs/cryfs-sub000/internal/config"
	"github.com/cryfs/cryfs-sub000/internal/datatree"
	"github.com/cryfs/cryfs-sub000/internal/logger"
	"github.com/cryfs/cryfs-sub000/internal/types"
)

func testConfig(storagePath string) *config.Config {
	return &config.Config{
		BlockSizeBytes: 64,
		StoragePath:    storagePath,
		CacheEnabled:   true,
		CacheSize:      16,
		LogLevel:       "NOOP",
	}
}

func newTestBlobService(t *testing.T) BlobService {
	t.Helper()
	factory := NewServiceFactory(testConfig(""))
	svc, err := factory.BlobService()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, factory.Shutdown()) })
	return svc
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 13)
	}
	return data
}

func TestServiceFactory(t *testing.T) {
	factory := NewServiceFactory(testConfig(""))

	require.NoError(t, factory.Initialize())
	assert.True(t, factory.IsInitialized())

	// initializing twice is a no-op
	require.NoError(t, factory.Initialize())

	svc, err := factory.BlobService()
	require.NoError(t, err)
	assert.NotNil(t, svc)

	require.NoError(t, factory.Shutdown())
	assert.False(t, factory.IsInitialized())
	require.NoError(t, factory.Shutdown())
}

func TestServiceFactoryRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.BlockSizeBytes = 10
	factory := NewServiceFactory(cfg)

	_, err := factory.BlobService()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.False(t, factory.IsInitialized())

	_, err = NewServiceFactory(nil).BlobService()
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}

func TestBlobLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestBlobService(t)

	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)

	data := testData(10000)
	n, err := svc.WriteBlob(ctx, id, 0, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	var out bytes.Buffer
	n, err = svc.ReadBlob(ctx, id, 0, -1, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())

	out.Reset()
	_, err = svc.ReadBlob(ctx, id, 100, 50, &out)
	require.NoError(t, err)
	assert.Equal(t, data[100:150], out.Bytes())

	info, err := svc.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, uint64(len(data)), info.NumBytes)
	assert.Equal(t, uint32(64), info.BlockSize)
	assert.Greater(t, info.Depth, uint8(0))

	blocks, err := svc.ListBlocks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, blocks, int(info.NumNodes))
	assert.Equal(t, id, blocks[0])

	require.NoError(t, svc.ResizeBlob(ctx, id, 20))
	info, err = svc.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), info.NumBytes)
	assert.Equal(t, uint64(1), info.NumNodes)

	result, err := svc.RemoveBlob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RemoveResultRemoved, result)

	_, err = svc.Stat(ctx, id)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	result, err = svc.RemoveBlob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RemoveResultNotFound, result)
}

func TestWriteBlobAtOffset(t *testing.T) {
	ctx := context.Background()
	svc := newTestBlobService(t)
	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)

	_, err = svc.WriteBlob(ctx, id, 30, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = svc.ReadBlob(ctx, id, 0, -1, &out)
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 30), "hello"...), out.Bytes())
}

func TestReadBlobOutOfRange(t *testing.T) {
	ctx := context.Background()
	svc := newTestBlobService(t)
	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)
	_, err = svc.WriteBlob(ctx, id, 0, bytes.NewReader(testData(100)))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = svc.ReadBlob(ctx, id, 90, 20, &out)
	assert.ErrorIs(t, err, datatree.ErrOutOfRange)
	assert.Zero(t, out.Len())
}

func TestListBlobsAndDescribeTree(t *testing.T) {
	ctx := context.Background()
	svc := newTestBlobService(t)

	small, err := svc.CreateBlob(ctx)
	require.NoError(t, err)
	large, err := svc.CreateBlob(ctx)
	require.NoError(t, err)
	_, err = svc.WriteBlob(ctx, large, 0, bytes.NewReader(testData(500)))
	require.NoError(t, err)

	ids, err := svc.ListBlobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.BlockID{small, large}, ids)

	description, err := svc.DescribeTree(ctx, small)
	require.NoError(t, err)
	assert.Contains(t, description, "leaf "+small.String()+" (0 bytes)")

	description, err = svc.DescribeTree(ctx, large)
	require.NoError(t, err)
	assert.Contains(t, description, "inner "+large.String())
	assert.Contains(t, description, "leaf ")

	_, err = svc.DescribeTree(ctx, types.NewRandomBlockID())
	assert.ErrorIs(t, err, ErrBlobNotFound)

	info, err := svc.StoreInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Cached)
	assert.Equal(t, uint32(64), info.BlockSize)
	assert.Greater(t, info.NumBlocks, uint64(2))
}

func TestWithTreeIsExclusivePerRoot(t *testing.T) {
	ctx := context.Background()
	svc := newTestBlobService(t)
	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithTree(ctx, id, func(tree *datatree.Tree) error {
				current := active.Add(1)
				defer active.Add(-1)
				for {
					seen := maxActive.Load()
					if current <= seen || maxActive.CompareAndSwap(seen, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				return tree.WriteBytes(ctx, []byte{byte(i)}, uint64(i))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, svc.(*blobService).locks.size())

	info, err := svc.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), info.NumBytes)
}

func TestRootLocksAreIndependent(t *testing.T) {
	locks := newRootLocks()
	first := types.NewRandomBlockID()
	second := types.NewRandomBlockID()

	unlockFirst := locks.lock(first)
	done := make(chan struct{})
	go func() {
		unlock := locks.lock(second)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("locking a different root blocked")
	}
	assert.Equal(t, 1, locks.size())
	unlockFirst()
	assert.Equal(t, 0, locks.size())
}

func TestBlobsPersistAcrossFactories(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()
	data := testData(3000)

	factory := NewServiceFactory(testConfig(path))
	svc, err := factory.BlobService()
	require.NoError(t, err)
	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)
	_, err = svc.WriteBlob(ctx, id, 0, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, factory.Shutdown())

	factory = NewServiceFactory(testConfig(path))
	svc, err = factory.BlobService()
	require.NoError(t, err)
	defer factory.Shutdown()

	var out bytes.Buffer
	_, err = svc.ReadBlob(ctx, id, 0, -1, &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestBlobServiceLogsWithServiceName(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	previous := logger.Sugar
	logger.Sugar = &logger.WrappedLogger{SugaredLogger: zap.New(core).Sugar()}
	t.Cleanup(func() { logger.Sugar = previous })

	ctx := context.Background()
	trees, err := datatree.NewTreeStore(blockstore.NewInMemory(), 64)
	require.NoError(t, err)
	svc := NewBlobService(trees, nil)

	id, err := svc.CreateBlob(ctx)
	require.NoError(t, err)
	_, err = svc.RemoveBlob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	tagged := logs.FilterField(zap.String("service", "blob")).All()
	require.Len(t, tagged, 2)
	assert.Equal(t, "removed blob "+id.String()+": "+types.RemoveResultRemoved.String(), tagged[0].Message)
	assert.Equal(t, "closed blob service", tagged[1].Message)
}
