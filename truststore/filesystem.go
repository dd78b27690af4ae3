package truststore

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/2060-io/go-emrtd/fetchers"
)

// FileSystem is the storage and network surface used by a Store.
type FileSystem interface {
	Exists(path string) bool
	ReadString(path string) (string, error)
	WriteString(path, data string) error
	Download(ctx context.Context, url, path string) error
	CacheDir() string
}

// LocalFileSystem implements FileSystem on the local disk.
type LocalFileSystem struct {
	// Dir is the base cache directory.
	Dir string

	// Downloader fetches remote sources. A nil Downloader uses fetchers
	// defaults.
	Downloader *fetchers.Downloader
}

// NewLocalFileSystem returns a LocalFileSystem rooted at dir. An empty dir
// resolves to the user cache directory.
func NewLocalFileSystem(dir string, downloader *fetchers.Downloader) (*LocalFileSystem, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "emrtd")
	}
	return &LocalFileSystem{Dir: dir, Downloader: downloader}, nil
}

func (fs *LocalFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func (fs *LocalFileSystem) ReadString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (fs *LocalFileSystem) WriteString(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data), 0o644)
}

func (fs *LocalFileSystem) Download(ctx context.Context, url, path string) error {
	d := fs.Downloader
	if d == nil {
		d = fetchers.NewDownloader(nil, nil, logr.Discard())
	}
	return d.Download(ctx, url, path)
}

func (fs *LocalFileSystem) CacheDir() string {
	return fs.Dir
}
