// Package blob implements the blob commands on top of the blob service
package blob

import (
	"errors"
	"fmt"
	"io"

	"github.com/cryfs/cryfs-sub000/internal/datatree"
	"github.com/cryfs/cryfs-sub000/internal/types"
	"github.com/cryfs/cryfs-sub000/pkg/app"
	"github.com/cryfs/cryfs-sub000/pkg/services"
)

// Create creates an empty blob
func Create(ctx *app.Context, svc services.BlobService) (*CreateResponse, error) {
	id, err := svc.CreateBlob(ctx)
	if err != nil {
		return nil, classify(err, "failed to create blob")
	}
	ctx.Log(fmt.Sprintf("Created blob %s", id))
	return &CreateResponse{ID: id.String()}, nil
}

// Stat returns size and shape of a blob
func Stat(ctx *app.Context, svc services.BlobService, blobID string) (*StatResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	info, err := svc.Stat(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to stat blob")
	}
	return &StatResponse{
		ID:        info.ID.String(),
		NumBytes:  info.NumBytes,
		NumNodes:  info.NumNodes,
		Depth:     info.Depth,
		BlockSize: info.BlockSize,
	}, nil
}

// Write copies r into the blob starting at offset
func Write(ctx *app.Context, svc services.BlobService, blobID string, offset uint64, r io.Reader) (*WriteResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Writing to blob %s at offset %d", id, offset))
	written, err := svc.WriteBlob(ctx, id, offset, r)
	if err != nil {
		return nil, classify(err, "failed to write blob")
	}

	info, err := svc.Stat(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to stat blob")
	}
	return &WriteResponse{
		ID:           id.String(),
		Offset:       offset,
		BytesWritten: written,
		NumBytes:     info.NumBytes,
	}, nil
}

// Read copies length bytes of the blob starting at offset to w. A negative
// length reads to the end.
func Read(ctx *app.Context, svc services.BlobService, blobID string, offset uint64, length int64, w io.Writer) (int64, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return 0, err
	}
	n, err := svc.ReadBlob(ctx, id, offset, length, w)
	if err != nil {
		return n, classify(err, "failed to read blob")
	}
	ctx.Log(fmt.Sprintf("Read %d bytes from blob %s", n, id))
	return n, nil
}

// Resize grows or truncates the blob to size bytes
func Resize(ctx *app.Context, svc services.BlobService, blobID string, size string) (*StatResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	numBytes, err := ParseSize(size)
	if err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Resizing blob %s to %d bytes", id, numBytes))
	if err := svc.ResizeBlob(ctx, id, numBytes); err != nil {
		return nil, classify(err, "failed to resize blob")
	}
	return Stat(ctx, svc, blobID)
}

// Blocks lists all blocks of a blob, root first
func Blocks(ctx *app.Context, svc services.BlobService, blobID string) (*BlocksResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	ids, err := svc.ListBlocks(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to list blocks")
	}
	return &BlocksResponse{ID: id.String(), Blocks: idStrings(ids)}, nil
}

// Remove deletes a blob
func Remove(ctx *app.Context, svc services.BlobService, blobID string) (*RemoveResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	result, err := svc.RemoveBlob(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to remove blob")
	}
	return &RemoveResponse{ID: id.String(), Removed: result == types.RemoveResultRemoved}, nil
}

// Roots lists all blobs in the store
func Roots(ctx *app.Context, svc services.BlobService) (*RootsResponse, error) {
	ids, err := svc.ListBlobs(ctx)
	if err != nil {
		return nil, classify(err, "failed to list blobs")
	}
	info, err := svc.StoreInfo(ctx)
	if err != nil {
		return nil, classify(err, "failed to read store statistics")
	}
	return &RootsResponse{
		Blobs:     idStrings(ids),
		NumBlocks: info.NumBlocks,
		BlockSize: info.BlockSize,
	}, nil
}

// Inspect renders the node tree of a blob
func Inspect(ctx *app.Context, svc services.BlobService, blobID string) (*InspectResponse, error) {
	id, err := ParseBlobID(blobID)
	if err != nil {
		return nil, err
	}
	description, err := svc.DescribeTree(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to inspect blob")
	}
	return &InspectResponse{ID: id.String(), Tree: description}, nil
}

// classify wraps service errors into application errors with a code
func classify(err error, message string) error {
	switch {
	case errors.Is(err, services.ErrBlobNotFound):
		return app.NewError(app.ErrCodeBlobNotFound, message, err)
	case errors.Is(err, datatree.ErrOutOfRange), errors.Is(err, datatree.ErrOverflow):
		return app.NewError(app.ErrCodeOutOfRange, message, err)
	default:
		return app.NewError(app.ErrCodeStoreAccess, message, err)
	}
}

func idStrings(ids []types.BlockID) []string {
	result := make([]string, len(ids))
	for i, id := range ids {
		result[i] = id.String()
	}
	return result
}
