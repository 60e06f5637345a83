package dag

import (
	"context"
	"time"
)

// BlobObjectInfo describes a blob object.
type BlobObjectInfo struct {
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int64     `json:"size"`
}

// BlobStore is the storage abstraction for source snapshots. Missing keys
// are reported as ErrBlobNotFound.
type BlobStore interface {
	Head(ctx context.Context, key string) (*BlobObjectInfo, error)
	Download(ctx context.Context, key string, dest string) error
	UploadIfMatch(ctx context.Context, key string, src string, expectedVersion string) (*BlobObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobObjectInfo, error)
}
