// Package upload implements the symbol upload HTTP API. Clients POST a zip
// archive of breakpad symbol files (or a URL to download one from) and the
// archive is spooled into an inbox location, recorded in the database and
// handed to the background processor for unpacking.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/adrianosela/tecken/internal/auth"
	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/ginutil"
	"github.com/adrianosela/tecken/internal/http/httperror"
	"github.com/adrianosela/tecken/internal/metrics"
	"github.com/adrianosela/tecken/internal/storage"
)

// Store is the database surface the upload frontend depends on.
type Store interface {
	CreateUpload(ctx context.Context, upload *db.Upload) error
}

// Enqueuer hands accepted uploads to the background processor. Implementations
// return an error when the upload could not be queued; the upload is still
// recorded and is picked up later by the reattempt sweeper.
type Enqueuer interface {
	Enqueue(id int64) error
}

// Events receives upload lifecycle notifications.
type Events interface {
	UploadCreated(upload *db.Upload)
}

// Config holds the upload frontend settings.
type Config struct {
	// DefaultBucketURL is the storage bucket uploads land in unless the
	// uploading user matches a URLException.
	DefaultBucketURL string

	// URLExceptions routes uploads from specific users (or wildcard patterns
	// of users) to dedicated buckets.
	URLExceptions []URLException

	// InboxDir, when set, spools incoming archives to the local filesystem
	// instead of the destination bucket's inbox namespace.
	InboxDir string

	// DisallowedSnippets rejects archives containing any file whose name
	// contains one of these substrings.
	DisallowedSnippets []string

	// AllowedDownloadHosts are the hosts upload-by-download URLs may point
	// to. Every redirect hop is checked against this list too.
	AllowedDownloadHosts []string

	// MaxUploadSize caps the request body and any download performed on the
	// client's behalf.
	MaxUploadSize int64
}

// Frontend is the symbol upload HTTP API frontend. It is responsible for
// configuring routers with handlers for the upload endpoints.
type Frontend struct {
	logger  logr.Logger
	store   Store
	queue   Enqueuer
	events  Events
	metrics *metrics.UploadMetrics
	config  Config

	mu sync.Mutex
	// buckets caches parsed bucket URLs and verified marks the URLs whose
	// bucket has been confirmed to exist. Both are keyed by raw bucket URL.
	buckets  map[string]*storage.Bucket
	verified map[string]bool
}

// New creates a new Frontend. The default bucket URL and every exception URL
// are parsed eagerly so misconfiguration surfaces at startup rather than on
// the first upload.
func New(logger logr.Logger, store Store, queue Enqueuer, events Events, m *metrics.UploadMetrics, config Config) (*Frontend, error) {
	f := &Frontend{
		logger:   logger,
		store:    store,
		queue:    queue,
		events:   events,
		metrics:  m,
		config:   config,
		buckets:  map[string]*storage.Bucket{},
		verified: map[string]bool{},
	}

	urls := []string{config.DefaultBucketURL}
	for _, exception := range config.URLExceptions {
		urls = append(urls, exception.URL)
	}
	for _, rawURL := range urls {
		if _, err := f.bucket(rawURL); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Configure configures router with the upload API endpoints. The given
// handlers run before the upload handler; the caller is expected to pass the
// authentication middleware.
func (f *Frontend) Configure(router *gin.Engine, handlers ...gin.HandlerFunc) {
	routes := ginutil.TrailingSlashRouteHelper{IRouter: router}

	gate := auth.RequireAnyPermission(auth.PermUploadSymbols, auth.PermUploadTrySymbols)

	regular := append(append([]gin.HandlerFunc{}, handlers...), gate, f.handleUpload(false))
	try := append(append([]gin.HandlerFunc{}, handlers...), gate, f.handleUpload(true))

	routes.POST("/upload", regular...)
	routes.POST("/upload/try", try...)
}

func (f *Frontend) handleUpload(tryEndpoint bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFrom(c)
		if token == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		// Tokens holding only the try permission may post to the regular
		// endpoint; their uploads are forced into try storage.
		trySymbols := tryEndpoint || !token.HasPermission(auth.PermUploadSymbols)

		upload, err := f.accept(c, token.UserEmail, trySymbols)
		if err != nil {
			f.metrics.Uploads.WithLabelValues(metrics.ResultRejected).Inc()
			f.abort(c, err)
			return
		}

		f.metrics.Uploads.WithLabelValues(metrics.ResultAccepted).Inc()
		c.JSON(http.StatusCreated, gin.H{"upload": serializeUpload(upload)})
	}
}

// accept runs the full intake pipeline for one upload request and returns the
// created upload record.
func (f *Frontend) accept(c *gin.Context, email string, trySymbols bool) (*db.Upload, error) {
	ctx := c.Request.Context()

	if f.config.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, f.config.MaxUploadSize)
	}

	payload, err := f.readPayload(c)
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	if payload.size == 0 {
		return nil, httperror.New(http.StatusBadRequest, "File size 0")
	}

	archiveStart := time.Now()
	members, err := ListArchive(payload.file, payload.size, payload.name)
	if err != nil {
		var extErr *ExtensionError
		if errors.As(err, &extErr) {
			return nil, httperror.New(http.StatusBadRequest, extErr.Error())
		}
		return nil, httperror.Wrap(http.StatusBadRequest, err)
	}
	if err := ValidateListing(members, f.config.DisallowedSnippets); err != nil {
		return nil, httperror.Wrap(http.StatusBadRequest, err)
	}
	f.metrics.ArchiveSeconds.Observe(time.Since(archiveStart).Seconds())

	bucket, err := f.bucketForUser(ctx, email)
	if err != nil {
		return nil, err
	}

	key := InboxKey(time.Now().UTC(), ContentHash(members), payload.name)

	inboxStart := time.Now()
	var inboxKey, inboxPath string
	if f.config.InboxDir != "" {
		inboxPath, err = f.spoolToDir(payload, key)
	} else {
		inboxKey = key
		err = f.spoolToBucket(ctx, bucket, payload, key)
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(inboxStart)
	f.metrics.InboxSeconds.Observe(elapsed.Seconds())
	f.logger.Info("Stored upload in inbox",
		"filename", payload.name,
		"size", humanize.Bytes(uint64(payload.size)),
		"duration", elapsed.Round(time.Millisecond).String(),
		"throughput", throughput(payload.size, elapsed),
	)

	upload := &db.Upload{
		UserEmail:     email,
		Filename:      payload.name,
		BucketURL:     bucket.URL,
		BucketName:    bucket.Name,
		BucketRegion:  bucket.Region,
		InboxKey:      inboxKey,
		InboxFilepath: inboxPath,
		Size:          payload.size,
		DownloadURL:   payload.downloadURL,
		RedirectURLs:  db.StringList(payload.redirects),
		TrySymbols:    trySymbols,
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.store.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}
	f.logger.Info("Upload object created",
		"id", upload.ID,
		"user", email,
		"filename", payload.name,
		"try", trySymbols,
	)

	f.events.UploadCreated(upload)

	if err := f.queue.Enqueue(upload.ID); err != nil {
		// The reattempt sweeper picks up spooled uploads that never made it
		// onto the queue.
		f.logger.Info("Upload queue full, deferring to sweeper", "id", upload.ID)
	}

	return upload, nil
}

// payload is one incoming symbols archive, either read off the request's
// multipart form or downloaded from a trusted URL on the client's behalf.
type payload struct {
	file        multipart.File
	name        string
	size        int64
	downloadURL string
	redirects   []string
	tempPath    string
}

func (p *payload) Close() {
	p.file.Close()
	if p.tempPath != "" {
		os.Remove(p.tempPath)
	}
}

func (f *Frontend) readPayload(c *gin.Context) (*payload, error) {
	form, err := c.MultipartForm()
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, err
		}
		return nil, httperror.Wrap(http.StatusBadRequest, err)
	}

	var header *multipart.FileHeader
	if form != nil {
		for _, headers := range form.File {
			if len(headers) > 0 {
				header = headers[0]
				break
			}
		}
	}

	if header != nil {
		file, err := header.Open()
		if err != nil {
			return nil, err
		}
		return &payload{
			file: file,
			name: filepath.Base(header.Filename),
			size: header.Size,
		}, nil
	}

	if rawURL := c.PostForm("url"); rawURL != "" {
		return f.downloadPayload(c.Request.Context(), rawURL)
	}

	return nil, httperror.New(http.StatusBadRequest, "Must be multipart form data with at least one file")
}

func (f *Frontend) downloadPayload(ctx context.Context, rawURL string) (*payload, error) {
	tmp, name, redirects, err := fetchByDownload(ctx, rawURL, f.config.AllowedDownloadHosts, f.config.MaxUploadSize)
	if err != nil {
		var dlErr *downloadError
		if errors.As(err, &dlErr) {
			return nil, httperror.New(http.StatusBadRequest, dlErr.Error())
		}
		return nil, err
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	return &payload{
		file:        tmp,
		name:        name,
		size:        info.Size(),
		downloadURL: rawURL,
		redirects:   redirects,
		tempPath:    tmp.Name(),
	}, nil
}

// bucket returns the parsed bucket for rawURL, parsing and caching it on
// first use. Inbox keys carry their own inbox/ namespace so the bucket's
// path prefix is dropped.
func (f *Frontend) bucket(rawURL string) (*storage.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if bucket, ok := f.buckets[rawURL]; ok {
		return bucket, nil
	}

	bucket, err := storage.ParseBucket(rawURL, "")
	if err != nil {
		return nil, err
	}
	bucket.Prefix = ""

	f.buckets[rawURL] = bucket
	return bucket, nil
}

// bucketForUser resolves the destination bucket for email and confirms, once
// per bucket, that it actually exists.
func (f *Frontend) bucketForUser(ctx context.Context, email string) (*storage.Bucket, error) {
	rawURL := BucketURLForUser(f.config.DefaultBucketURL, f.config.URLExceptions, email)

	bucket, err := f.bucket(rawURL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	verified := f.verified[rawURL]
	f.mu.Unlock()
	if verified {
		return bucket, nil
	}

	exists, err := bucket.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, httperror.Newf(http.StatusInternalServerError,
			"Storage bucket '%s' can not be found. Connected with region='%s' endpoint_url='%s'",
			bucket.Name, bucket.Region, bucket.EndpointURL,
		)
	}

	f.mu.Lock()
	f.verified[rawURL] = true
	f.mu.Unlock()

	return bucket, nil
}

func (f *Frontend) spoolToDir(p *payload, key string) (string, error) {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	path := filepath.Join(f.config.InboxDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(dst, p.file); err != nil {
		dst.Close()
		return "", err
	}

	// Workers may pick the file up from another host over a shared mount, so
	// flush before the database row referencing it becomes visible.
	if err := dst.Sync(); err != nil {
		dst.Close()
		return "", err
	}

	return path, dst.Close()
}

func (f *Frontend) spoolToBucket(ctx context.Context, bucket *storage.Bucket, p *payload, key string) error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return bucket.Upload(ctx, key, p.file, p.size, storage.PutOptions{
		ContentType: "application/zip",
	})
}

func (f *Frontend) abort(c *gin.Context, err error) {
	var httpErr *httperror.E
	if errors.As(err, &httpErr) {
		c.JSON(httpErr.StatusCode, gin.H{"error": httpErr.Error()})
		return
	}

	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File size exceeds limit (%d bytes).", tooBig.Limit),
		})
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

type uploadResponse struct {
	ID           int64      `json:"id"`
	Size         int64      `json:"size"`
	Filename     string     `json:"filename"`
	Bucket       string     `json:"bucket"`
	Region       string     `json:"region"`
	DownloadURL  string     `json:"download_url"`
	TrySymbols   bool       `json:"try_symbols"`
	RedirectURLs []string   `json:"redirect_urls"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	User         string     `json:"user"`
	SkippedKeys  []string   `json:"skipped_keys"`
}

func serializeUpload(u *db.Upload) uploadResponse {
	resp := uploadResponse{
		ID:           u.ID,
		Size:         u.Size,
		Filename:     u.Filename,
		Bucket:       u.BucketName,
		Region:       u.BucketRegion,
		DownloadURL:  u.DownloadURL,
		TrySymbols:   u.TrySymbols,
		RedirectURLs: u.RedirectURLs,
		CompletedAt:  u.CompletedAt,
		CreatedAt:    u.CreatedAt,
		User:         u.UserEmail,
		SkippedKeys:  u.SkippedKeys,
	}
	if resp.RedirectURLs == nil {
		resp.RedirectURLs = []string{}
	}
	if resp.SkippedKeys == nil {
		resp.SkippedKeys = []string{}
	}
	return resp
}

func throughput(size int64, elapsed time.Duration) string {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	return humanize.Bytes(uint64(float64(size)/seconds)) + "/s"
}
