package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// LocalProvider implements the Provider API for a directory on the local file system.
type LocalProvider struct {
	*baseProvider

	log logger.Logger
	dir string
}

func NewLocalProvider(dir string) *LocalProvider {
	provider := &LocalProvider{
		baseProvider: newBaseProvider(),
		dir:          dir,
	}
	config.InitLogger(&provider.log, provider)

	return provider
}

func (p *LocalProvider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.setStatus(Connecting)
	if err := os.MkdirAll(p.dir, 0750); err != nil {
		p.setStatus(Disconnected)
		return err
	}
	p.setStatus(Connected)

	p.log.Debug("Saving blobs to local directory \"%s\".", p.dir)
	return nil
}

func (p *LocalProvider) Close() error {
	p.setStatus(Disconnected)
	return nil
}

func (p *LocalProvider) path(id string) string {
	return filepath.Join(p.dir, id)
}

func (p *LocalProvider) SaveBlob(ctx context.Context, id string, blob []byte) error {
	if err := p.checkConnected(); err != nil {
		return err
	}
	if err := validateBlobID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Write then rename so that readers never observe a partially written blob.
	tmp, err := os.CreateTemp(p.dir, "."+id+"-*")
	if err != nil {
		return err
	}

	if _, err = tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	if err = os.Rename(tmp.Name(), p.path(id)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	p.log.Debug("Saved blob %s (%d bytes).", id, len(blob))
	return nil
}

func (p *LocalProvider) LoadBlob(ctx context.Context, id string) ([]byte, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateBlobID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(p.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}

	return blob, err
}
