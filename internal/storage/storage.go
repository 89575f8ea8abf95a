// Package storage provides a bucket abstraction over the object stores that
// hold symbol files. Buckets are configured with a URL; the URL shape decides
// which backend client is used.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultFilePrefix is the key prefix under which symbol files are stored.
const DefaultFilePrefix = "v1"

// TryFilePrefix returns the file prefix for Try build symbols derived from
// filePrefix. Try symbols live alongside regular symbols under a dedicated
// prefix so they can be expired independently.
func TryFilePrefix(filePrefix string) string {
	return "try/" + filePrefix
}

// Backend identifies the kind of object store behind a Bucket.
type Backend string

// Recognized backends.
const (
	BackendS3         Backend = "s3"
	BackendTestS3     Backend = "test-s3"
	BackendEmulatedS3 Backend = "emulated-s3"
	BackendGCS        Backend = "gcs"
	BackendFS         Backend = "fs"
)

// ErrObjectNotFound indicates a key does not exist in a bucket.
var ErrObjectNotFound = errors.New("object not found")

// Error decorates a backend client failure with the bucket it occurred
// against. Use errors.As to recover it and errors.Is/Unwrap for the cause.
type Error struct {
	Backend Backend
	URL     string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend (%s) raised %T: %s", e.Backend, e.URL, e.Err, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key             string
	Size            int64
	LastModified    time.Time
	ContentEncoding string

	// Metadata holds user metadata with lowercase keys.
	Metadata map[string]string
}

// PutOptions carries the optional attributes recorded with an uploaded object.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// Client is the minimal object store surface a backend must provide. Keys
// passed to a Client are complete keys, i.e. they already include the
// bucket's prefix.
type Client interface {
	// BucketExists reports whether the bucket is reachable and exists.
	BucketExists(ctx context.Context) (bool, error)

	// StatObject describes key. It returns ErrObjectNotFound for absent keys.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)

	// Upload stores size bytes from body under key.
	Upload(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Open returns a reader over the content of key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a pre-authorized GET URL for key valid for expiry.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Bucket is a parsed bucket URL bound to a backend client. Construct with
// ParseBucket.
type Bucket struct {
	// URL is the bucket URL exactly as configured.
	URL string

	Backend Backend

	// Name is the bucket name. For the fs backend it is the root directory.
	Name string

	// Prefix is the key prefix every object key is placed under. It combines
	// any path the bucket URL carried beyond the name with the file prefix.
	Prefix string

	// Private is true unless the URL carries ?access=public.
	Private bool

	// Region is only set for AWS S3 URLs that encode one.
	Region string

	// BaseURL is scheme://authority/name and is what public object URLs are
	// built from.
	BaseURL string

	// EndpointURL is the alternate endpoint for non-AWS backends. Empty for
	// AWS S3. For GCS it is the full configured URL with credentials removed.
	EndpointURL string

	mu     sync.Mutex
	client Client
}

var s3RegionPattern = regexp.MustCompile(`^s3[.-](?:dualstack\.)?([a-z0-9-]+)\.amazonaws\.com$`)

// emulatedHosts are hostnames treated as S3 emulators even without an
// explicit port.
var emulatedHosts = map[string]bool{
	"localhost":  true,
	"127.0.0.1":  true,
	"minio":      true,
	"localstack": true,
}

// ParseBucket parses rawURL into a Bucket. filePrefix is appended beneath any
// prefix the URL itself carries; pass DefaultFilePrefix in production code
// and TryFilePrefix(...) for Try symbol lookups.
func ParseBucket(rawURL, filePrefix string) (*Bucket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}

	b := &Bucket{
		URL:     rawURL,
		Private: u.Query().Get("access") != "public",
	}

	if u.Scheme == "file" {
		b.Backend = BackendFS
		b.Name = strings.TrimSuffix(u.Path, "/")
		b.BaseURL = "file://" + b.Name
		b.Prefix = combinePrefix("", filePrefix)
		return b, nil
	}

	name, prefix := splitBucketPath(u.Path)
	if name == "" {
		return nil, fmt.Errorf("no bucket name in %q", rawURL)
	}
	b.Name = name
	b.Prefix = combinePrefix(prefix, filePrefix)
	b.BaseURL = fmt.Sprintf("%s://%s/%s", u.Scheme, authority(u), name)

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "s3.amazonaws.com":
		b.Backend = BackendS3

	case strings.HasSuffix(host, ".amazonaws.com"):
		m := s3RegionPattern.FindStringSubmatch(host)
		if m == nil {
			return nil, fmt.Errorf("storage backend not recognized in %q", rawURL)
		}
		if !knownS3Regions[m[1]] {
			return nil, fmt.Errorf("invalid S3 region %q", m[1])
		}
		b.Backend = BackendS3
		b.Region = m[1]

	case host == "storage.googleapis.com":
		b.Backend = BackendGCS
		b.EndpointURL = ScrubCredentials(rawURL)

	case strings.HasPrefix(host, "s3."):
		b.Backend = BackendTestS3
		b.EndpointURL = fmt.Sprintf("%s://%s", u.Scheme, authority(u))

	case u.Port() != "" || emulatedHosts[host]:
		b.Backend = BackendEmulatedS3
		b.EndpointURL = fmt.Sprintf("%s://%s", u.Scheme, authority(u))

	default:
		return nil, fmt.Errorf("storage backend not recognized in %q", rawURL)
	}

	return b, nil
}

// splitBucketPath separates a URL path into the bucket name and any prefix
// beyond it.
func splitBucketPath(p string) (name, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	name = parts[0]
	if len(parts) == 2 {
		prefix = strings.TrimSuffix(parts[1], "/")
	}
	return name, prefix
}

func combinePrefix(urlPrefix, filePrefix string) string {
	switch {
	case urlPrefix == "":
		return filePrefix
	case filePrefix == "":
		return urlPrefix
	default:
		return urlPrefix + "/" + filePrefix
	}
}

// authority reassembles the URL authority including userinfo and port.
func authority(u *url.URL) string {
	if u.User == nil {
		return u.Host
	}
	return u.User.String() + "@" + u.Host
}

// ScrubCredentials removes any userinfo from a URL, leaving the rest intact.
func ScrubCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}

// FullKey prefixes key with the bucket's key prefix.
func (b *Bucket) FullKey(key string) string {
	if b.Prefix == "" {
		return key
	}
	return b.Prefix + "/" + strings.TrimPrefix(key, "/")
}

// ObjectURL returns the public URL for key.
func (b *Bucket) ObjectURL(key string) string {
	full := b.FullKey(key)
	segments := strings.Split(full, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return b.BaseURL + "/" + strings.Join(segments, "/")
}

// Client returns the backend client for the bucket, constructing it on first
// use.
func (b *Bucket) Client(ctx context.Context) (Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	var (
		client Client
		err    error
	)
	switch b.Backend {
	case BackendS3, BackendTestS3, BackendEmulatedS3:
		client, err = newS3Client(b)
	case BackendGCS:
		client, err = newGCSClient(ctx, b)
	case BackendFS:
		client = newFSClient(b)
	default:
		err = fmt.Errorf("no client for backend %q", b.Backend)
	}
	if err != nil {
		return nil, b.wrap(err)
	}

	b.client = client
	return client, nil
}

// Exists reports whether the bucket itself exists. Access and transport
// failures are returned as *Error; a missing bucket is (false, nil).
func (b *Bucket) Exists(ctx context.Context) (bool, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return false, err
	}

	found, err := client.BucketExists(ctx)
	if err != nil {
		return false, b.wrap(err)
	}
	return found, nil
}

// StatObject describes key, with the bucket prefix applied. Absent keys
// return ErrObjectNotFound; other failures are *Error.
func (b *Bucket) StatObject(ctx context.Context, key string) (*ObjectInfo, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}

	info, err := client.StatObject(ctx, b.FullKey(key))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, err
		}
		return nil, b.wrap(err)
	}
	return info, nil
}

// Upload stores size bytes from body under key, with the bucket prefix
// applied.
func (b *Bucket) Upload(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	client, err := b.Client(ctx)
	if err != nil {
		return err
	}

	if err := client.Upload(ctx, b.FullKey(key), body, size, opts); err != nil {
		return b.wrap(err)
	}
	return nil
}

// Open returns a reader over key's content, with the bucket prefix applied.
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}

	r, err := client.Open(ctx, b.FullKey(key))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, err
		}
		return nil, b.wrap(err)
	}
	return r, nil
}

// Delete removes key, with the bucket prefix applied.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	client, err := b.Client(ctx)
	if err != nil {
		return err
	}

	if err := client.Delete(ctx, b.FullKey(key)); err != nil {
		return b.wrap(err)
	}
	return nil
}

// SignedURL returns a pre-authorized GET URL for key valid for expiry.
func (b *Bucket) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return "", err
	}

	signed, err := client.SignedURL(ctx, b.FullKey(key), expiry)
	if err != nil {
		return "", b.wrap(err)
	}
	return signed, nil
}

func (b *Bucket) wrap(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Backend: b.Backend, URL: b.URL, Err: err}
}

// knownS3Regions are the AWS regions accepted in bucket URLs.
var knownS3Regions = map[string]bool{
	"af-south-1":     true,
	"ap-east-1":      true,
	"ap-northeast-1": true,
	"ap-northeast-2": true,
	"ap-northeast-3": true,
	"ap-south-1":     true,
	"ap-south-2":     true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-southeast-3": true,
	"ap-southeast-4": true,
	"ca-central-1":   true,
	"ca-west-1":      true,
	"cn-north-1":     true,
	"cn-northwest-1": true,
	"eu-central-1":   true,
	"eu-central-2":   true,
	"eu-north-1":     true,
	"eu-south-1":     true,
	"eu-south-2":     true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"il-central-1":   true,
	"me-central-1":   true,
	"me-south-1":     true,
	"sa-east-1":      true,
	"us-east-1":      true,
	"us-east-2":      true,
	"us-gov-east-1":  true,
	"us-gov-west-1":  true,
	"us-west-1":      true,
	"us-west-2":      true,
}
