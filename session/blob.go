package session

import "context"

// BlobStore persists blobs produced by session servers.
type BlobStore interface {
	SaveBlob(ctx context.Context, id string, blob []byte) error
}
