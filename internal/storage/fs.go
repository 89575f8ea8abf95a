package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"
)

// fsClient serves buckets rooted at a local directory. It exists for
// development and tests; object attributes that a blob store would keep are
// written to a sidecar file next to the object.
type fsClient struct {
	root string
}

const fsMetaSuffix = ".#meta"

type fsMeta struct {
	ContentType     string            `json:"content_type,omitempty"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func newFSClient(b *Bucket) *fsClient {
	return &fsClient{root: b.Name}
}

func (c *fsClient) path(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}

func (c *fsClient) BucketExists(context.Context) (bool, error) {
	info, err := os.Stat(c.root)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (c *fsClient) StatObject(_ context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(c.path(key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}

	oi := &ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}

	if raw, err := os.ReadFile(c.path(key) + fsMetaSuffix); err == nil {
		var meta fsMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			oi.ContentEncoding = meta.ContentEncoding
			oi.Metadata = meta.Metadata
		}
	}

	return oi, nil
}

func (c *fsClient) Upload(_ context.Context, key string, body io.Reader, _ int64, opts PutOptions) error {
	dst := c.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}

	if opts.ContentType == "" && opts.ContentEncoding == "" && len(opts.Metadata) == 0 {
		return nil
	}

	raw, err := json.Marshal(fsMeta{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		Metadata:        opts.Metadata,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(dst+fsMetaSuffix, raw, 0o644)
}

func (c *fsClient) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(c.path(key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *fsClient) Delete(_ context.Context, key string) error {
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	os.Remove(c.path(key) + fsMetaSuffix)
	return nil
}

func (c *fsClient) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "file://" + filepath.ToSlash(c.path(key)), nil
}
