package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrModelUnavailable means no usable model could be obtained. Runs cannot proceed without one.
var ErrModelUnavailable = errors.New("classifier model unavailable")

const maxArtifactSize = 64 << 20 // 64 MiB

// BlobStore fetches the artifact from remote storage.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Loader resolves the artifact from a local cache, falling back to the blob store.
type Loader struct {
	store     BlobStore
	bucket    string
	key       string
	cachePath string
	log       *slog.Logger
}

// NewLoader creates a Loader. store may be nil when only the cache is used.
func NewLoader(store BlobStore, bucket, key, cachePath string, log *slog.Logger) *Loader {
	return &Loader{
		store:     store,
		bucket:    bucket,
		key:       key,
		cachePath: cachePath,
		log:       log.With("component", "classifier"),
	}
}

// Load returns a ready Classifier. Every failure wraps ErrModelUnavailable.
func (l *Loader) Load(ctx context.Context) (Classifier, error) {
	if l.cachePath != "" {
		m, err := l.loadCache()
		if err == nil {
			l.log.Debug("loaded cached model", "path", l.cachePath)
			return m, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("discarding unreadable model cache", "path", l.cachePath, "error", err)
		}
	}

	if l.store == nil {
		return nil, fmt.Errorf("%w: no cached model at %q and no remote store configured", ErrModelUnavailable, l.cachePath)
	}

	l.log.Info("downloading model", "bucket", l.bucket, "key", l.key)
	data, err := l.download(ctx)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s not found", ErrModelUnavailable, l.bucket, l.key)
		}
		return nil, fmt.Errorf("%w: download: %w", ErrModelUnavailable, err)
	}

	m, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	if l.cachePath != "" {
		if err := writeAtomic(l.cachePath, data); err != nil {
			l.log.Warn("cache model", "path", l.cachePath, "error", err)
		}
	}
	return m, nil
}

func (l *Loader) loadCache() (*Model, error) {
	f, err := os.Open(l.cachePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(io.LimitReader(f, maxArtifactSize))
}

func (l *Loader) download(ctx context.Context) ([]byte, error) {
	body, err := l.store.Get(ctx, l.bucket, l.key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
