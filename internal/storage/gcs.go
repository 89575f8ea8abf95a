package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// gcsClient serves the gcs backend through the Google Cloud Storage SDK.
// Credentials come from the environment (application default credentials).
type gcsClient struct {
	bucket string
	cl     *gcs.Client
}

func newGCSClient(ctx context.Context, b *Bucket) (*gcsClient, error) {
	cl, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &gcsClient{bucket: b.Name, cl: cl}, nil
}

func (c *gcsClient) BucketExists(ctx context.Context) (bool, error) {
	_, err := c.cl.Bucket(c.bucket).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrBucketNotExist) || isGoogleStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *gcsClient) StatObject(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := c.cl.Bucket(c.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || isGoogleStatus(err, http.StatusNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}

	return &ObjectInfo{
		Key:             key,
		Size:            attrs.Size,
		LastModified:    attrs.Updated,
		ContentEncoding: attrs.ContentEncoding,
		Metadata:        attrs.Metadata,
	}, nil
}

func (c *gcsClient) Upload(ctx context.Context, key string, body io.Reader, _ int64, opts PutOptions) error {
	w := c.cl.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.ContentEncoding = opts.ContentEncoding
	w.Metadata = opts.Metadata

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *gcsClient) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := c.cl.Bucket(c.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return r, nil
}

func (c *gcsClient) Delete(ctx context.Context, key string) error {
	return c.cl.Bucket(c.bucket).Object(key).Delete(ctx)
}

func (c *gcsClient) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return c.cl.Bucket(c.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiry),
	})
}

func isGoogleStatus(err error, code int) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == code
}
