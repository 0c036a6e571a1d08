package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/scusemua/kernel-broker/common/configuration"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"

	blobKeyPrefix = "blob/"
)

var (
	ErrBlobNotFound  = errors.New("blob not found")
	ErrNotConnected  = errors.New("storage provider is not connected")
	ErrInvalidBlobID = errors.New("blob id must be a uuid")
)

// ConnectionStatus indicates the status of the connection with the storage medium.
type ConnectionStatus string

// Provider is a generic API for saving and loading blobs to and from an arbitrary storage medium, such as the
// local file system, Redis, or AWS S3.
type Provider interface {
	Connect(ctx context.Context) error

	Close() error

	// ConnectionStatus returns the current ConnectionStatus of the Provider.
	ConnectionStatus() ConnectionStatus

	// SaveBlob stores blob under id, replacing any blob previously stored under the same id.
	SaveBlob(ctx context.Context, id string, blob []byte) error

	// LoadBlob returns the blob stored under id, or ErrBlobNotFound.
	LoadBlob(ctx context.Context, id string) ([]byte, error)
}

type baseProvider struct {
	statusMu sync.Mutex
	status   ConnectionStatus
}

func newBaseProvider() *baseProvider {
	return &baseProvider{status: Disconnected}
}

// ConnectionStatus returns the current ConnectionStatus of the Provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	return p.status
}

func (p *baseProvider) setStatus(status ConnectionStatus) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	p.status = status
}

func (p *baseProvider) checkConnected() error {
	if p.ConnectionStatus() != Connected {
		return ErrNotConnected
	}

	return nil
}

// validateBlobID rejects ids that are not uuids. Ids become file names and object keys, so this also rules out
// path traversal.
func validateBlobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: \"%s\"", ErrInvalidBlobID, id)
	}

	return nil
}

func blobKey(id string) string {
	return blobKeyPrefix + id
}

// New creates and connects the Provider selected by opts.BlobStore.
//
// New returns a nil Provider and a nil error if blobs are not to be saved at all.
func New(ctx context.Context, opts *configuration.SessionOptions) (Provider, error) {
	var provider Provider

	switch opts.BlobStore {
	case configuration.BlobStoreLocal:
		provider = NewLocalProvider(opts.BlobDirectory)
	case configuration.BlobStoreRedis:
		redisProvider := NewRedisProvider(opts.RedisAddress)
		redisProvider.SetRedisPassword(opts.RedisPassword)
		redisProvider.SetDatabase(opts.RedisDatabase)
		redisProvider.SetTTL(opts.BlobTTL())
		provider = redisProvider
	case configuration.BlobStoreS3:
		provider = NewS3Provider(opts.S3Bucket, opts.AwsRegion)
	case "", configuration.BlobStoreNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob store \"%s\"", opts.BlobStore)
	}

	if err := provider.Connect(ctx); err != nil {
		return nil, err
	}

	return provider, nil
}
