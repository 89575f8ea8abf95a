package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3Client serves the s3, test-s3 and emulated-s3 backends through the MinIO
// SDK.
type s3Client struct {
	bucket string
	mc     *minio.Client
}

func newS3Client(b *Bucket) (*s3Client, error) {
	endpoint := "s3.amazonaws.com"
	secure := true

	if b.EndpointURL != "" {
		u, err := url.Parse(b.EndpointURL)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint url: %w", err)
		}
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	})

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: b.Region,
	})
	if err != nil {
		return nil, err
	}

	return &s3Client{bucket: b.Name, mc: mc}, nil
}

func (c *s3Client) BucketExists(ctx context.Context) (bool, error) {
	return c.mc.BucketExists(ctx, c.bucket)
}

func (c *s3Client) StatObject(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}

	metadata := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		metadata[strings.ToLower(k)] = v
	}

	return &ObjectInfo{
		Key:             key,
		Size:            info.Size,
		LastModified:    info.LastModified,
		ContentEncoding: info.Metadata.Get("Content-Encoding"),
		Metadata:        metadata,
	}, nil
}

func (c *s3Client) Upload(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		UserMetadata:    opts.Metadata,
	})
	return err
}

func (c *s3Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; surface missing keys immediately.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}

	return obj, nil
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

func (c *s3Client) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
