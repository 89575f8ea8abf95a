// Package processor unpacks accepted symbol uploads in the background. A
// bounded queue of upload ids feeds a fixed pool of workers. Uploads that
// fail midway stay incomplete and are re-enqueued by the sweeper until their
// attempt budget runs out.
package processor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/metrics"
	"github.com/adrianosela/tecken/internal/storage"
)

// DefaultSweepInterval is how often the sweeper looks for incomplete uploads.
const DefaultSweepInterval = 5 * time.Minute

const sweepBatchSize = 100

// ErrQueueFull is returned by Enqueue when the queue has no room. The upload
// stays recorded and is picked up by the next sweep.
var ErrQueueFull = errors.New("upload queue is full")

// Store is the database surface the processor depends on.
type Store interface {
	UploadByID(ctx context.Context, id int64) (*db.Upload, error)
	MarkUploadAttempt(ctx context.Context, id int64) error
	CreateFileUpload(ctx context.Context, fu *db.FileUpload) error
	CompleteUpload(ctx context.Context, id int64, skipped, ignored []string) error
	IncompleteUploads(ctx context.Context, olderThan time.Duration, maxAttempts, limit int) ([]db.Upload, error)
}

// Events receives upload lifecycle notifications.
type Events interface {
	UploadCompleted(upload *db.Upload)
	UploadFailed(upload *db.Upload, err error)
}

// Config holds the processor settings.
type Config struct {
	// Workers is the number of concurrent upload processors.
	Workers int

	// QueueSize bounds the number of uploads waiting to be processed.
	QueueSize int

	// MaxAttempts caps how often a failing upload is retried.
	MaxAttempts int

	// ReattemptAge is how old an incomplete upload must be before the sweeper
	// re-enqueues it.
	ReattemptAge time.Duration

	// FilePrefix is the key namespace symbol files are stored under. Try
	// uploads go under try/<FilePrefix>.
	FilePrefix string
}

// Processor consumes the upload queue and stores archive members into their
// destination bucket.
type Processor struct {
	logger  logr.Logger
	store   Store
	events  Events
	metrics *metrics.ProcessorMetrics
	config  Config

	queue chan int64

	mu      sync.Mutex
	buckets map[string]*storage.Bucket
}

// New creates a new Processor.
func New(logger logr.Logger, store Store, events Events, m *metrics.ProcessorMetrics, config Config) *Processor {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.ReattemptAge <= 0 {
		config.ReattemptAge = time.Hour
	}
	if config.FilePrefix == "" {
		config.FilePrefix = storage.DefaultFilePrefix
	}

	return &Processor{
		logger:  logger,
		store:   store,
		events:  events,
		metrics: m,
		config:  config,
		queue:   make(chan int64, config.QueueSize),
		buckets: map[string]*storage.Bucket{},
	}
}

// Enqueue hands an upload id to the workers without blocking.
func (p *Processor) Enqueue(id int64) error {
	select {
	case p.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Upload processor running", "workers", p.config.Workers, "queue_size", p.config.QueueSize)

	var wg sync.WaitGroup
	for worker := 0; worker < p.config.Workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue:
					if err := p.Process(ctx, id); err != nil {
						p.logger.Error(err, "Upload processing failed", "id", id, "worker", worker)
					}
				}
			}
		}(worker)
	}
	wg.Wait()

	return nil
}

// Process runs one upload through the pipeline: record the attempt, unpack
// the inbox archive into the destination bucket, complete the upload and
// remove the inbox artifact. Already completed or cancelled uploads are a
// no-op so duplicate queue entries are harmless.
func (p *Processor) Process(ctx context.Context, id int64) error {
	start := time.Now()

	upload, err := p.store.UploadByID(ctx, id)
	if err != nil {
		return err
	}
	if upload.CompletedAt != nil || upload.CancelledAt != nil {
		return nil
	}

	if err := p.store.MarkUploadAttempt(ctx, id); err != nil {
		return err
	}
	upload.Attempts++

	skipped, ignored, err := p.process(ctx, upload)
	if err != nil {
		p.events.UploadFailed(upload, err)
		return err
	}

	if err := p.store.CompleteUpload(ctx, id, skipped, ignored); err != nil {
		return err
	}

	now := time.Now().UTC()
	upload.CompletedAt = &now
	upload.SkippedKeys = skipped
	upload.IgnoredKeys = ignored
	p.events.UploadCompleted(upload)

	elapsed := time.Since(start)
	p.metrics.ProcessSeconds.Observe(elapsed.Seconds())
	p.logger.Info("Upload processed",
		"id", id,
		"skipped", len(skipped),
		"ignored", len(ignored),
		"duration", elapsed.Round(time.Millisecond).String(),
	)
	return nil
}

func (p *Processor) process(ctx context.Context, upload *db.Upload) (skipped, ignored db.StringList, err error) {
	bucket, err := p.bucketFor(upload.BucketURL, upload.TrySymbols)
	if err != nil {
		return nil, nil, err
	}

	archive, size, err := p.openInbox(ctx, upload)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		archive.Close()
		if upload.InboxFilepath == "" {
			os.Remove(archive.Name())
		}
	}()

	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, nil, err
	}

	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		if isSymbolsListing(member.Name) {
			ignored = append(ignored, member.Name)
			p.metrics.FileUploads.WithLabelValues(metrics.ResultIgnored).Inc()
			continue
		}

		wasSkipped, err := p.storeMember(ctx, upload, bucket, member)
		if err != nil {
			return nil, nil, err
		}
		if wasSkipped {
			skipped = append(skipped, member.Name)
		}
	}

	p.deleteInbox(ctx, upload)
	return skipped, ignored, nil
}

// storeMember stores one archive member under the bucket's file prefix. It
// reports true when the destination already held the file with an unchanged
// size and nothing was written.
func (p *Processor) storeMember(ctx context.Context, upload *db.Upload, bucket *storage.Bucket, member *zip.File) (bool, error) {
	name := member.Name
	memberSize := int64(member.UncompressedSize64)

	info, err := bucket.StatObject(ctx, name)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return false, err
	}

	if exists && unchangedSize(info, memberSize) {
		p.metrics.FileUploads.WithLabelValues(metrics.ResultSkipped).Inc()
		p.logger.V(1).Info("Skipped unchanged file", "key", bucket.FullKey(name), "size", memberSize)
		return true, nil
	}

	content, err := member.Open()
	if err != nil {
		return false, err
	}
	defer content.Close()

	var (
		body       io.Reader = content
		storedSize           = memberSize
		opts       storage.PutOptions
	)
	if compressExtension(name) {
		// Text symbol files compress extremely well. The original size rides
		// along as metadata so future uploads of the same file can be skip
		// checked without downloading it.
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := io.Copy(gz, content); err != nil {
			return false, err
		}
		if err := gz.Close(); err != nil {
			return false, err
		}
		body = &buf
		storedSize = int64(buf.Len())
		opts = storage.PutOptions{
			ContentType:     "text/plain",
			ContentEncoding: "gzip",
			Metadata:        map[string]string{"original_size": strconv.FormatInt(memberSize, 10)},
		}
	}

	if err := bucket.Upload(ctx, name, body, storedSize, opts); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	fileUpload := &db.FileUpload{
		UploadID:    upload.ID,
		BucketName:  bucket.Name,
		Key:         bucket.FullKey(name),
		Size:        storedSize,
		Compressed:  opts.ContentEncoding == "gzip",
		IsUpdate:    exists,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := p.store.CreateFileUpload(ctx, fileUpload); err != nil {
		return false, err
	}

	p.metrics.FileUploads.WithLabelValues(metrics.ResultUploaded).Inc()
	p.logger.Info("Uploaded file",
		"key", fileUpload.Key,
		"size", humanize.Bytes(uint64(storedSize)),
		"update", exists,
	)
	return false, nil
}

// openInbox returns the spooled archive as a file on local disk. Bucket
// spooled archives are downloaded to a temp file first so the zip reader has
// an io.ReaderAt.
func (p *Processor) openInbox(ctx context.Context, upload *db.Upload) (*os.File, int64, error) {
	if upload.InboxFilepath != "" {
		f, err := os.Open(upload.InboxFilepath)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}

	bucket, err := p.inboxBucketFor(upload.BucketURL)
	if err != nil {
		return nil, 0, err
	}

	reader, err := bucket.Open(ctx, upload.InboxKey)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "tecken-inbox-*.zip")
	if err != nil {
		return nil, 0, err
	}
	size, err := io.Copy(tmp, reader)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, err
	}
	return tmp, size, nil
}

func (p *Processor) deleteInbox(ctx context.Context, upload *db.Upload) {
	if upload.InboxFilepath != "" {
		if err := os.Remove(upload.InboxFilepath); err != nil && !os.IsNotExist(err) {
			p.logger.Error(err, "Failed to remove inbox file", "path", upload.InboxFilepath)
		}
		return
	}

	bucket, err := p.inboxBucketFor(upload.BucketURL)
	if err != nil {
		p.logger.Error(err, "Failed to resolve inbox bucket", "url", upload.BucketURL)
		return
	}
	if err := bucket.Delete(ctx, upload.InboxKey); err != nil {
		p.logger.Error(err, "Failed to delete inbox object", "key", upload.InboxKey)
	}
}

// bucketFor returns the destination bucket for an upload row, under the try
// prefix for try uploads. Parsed buckets are cached per URL and prefix.
func (p *Processor) bucketFor(rawURL string, try bool) (*storage.Bucket, error) {
	filePrefix := p.config.FilePrefix
	if try {
		filePrefix = storage.TryFilePrefix(filePrefix)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cacheKey := rawURL + "|" + filePrefix
	if bucket, ok := p.buckets[cacheKey]; ok {
		return bucket, nil
	}

	bucket, err := storage.ParseBucket(rawURL, filePrefix)
	if err != nil {
		return nil, err
	}
	p.buckets[cacheKey] = bucket
	return bucket, nil
}

// inboxBucketFor returns the upload's bucket without any key prefix, matching
// how the upload frontend spools inbox objects.
func (p *Processor) inboxBucketFor(rawURL string) (*storage.Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cacheKey := rawURL + "|inbox"
	if bucket, ok := p.buckets[cacheKey]; ok {
		return bucket, nil
	}

	bucket, err := storage.ParseBucket(rawURL, "")
	if err != nil {
		return nil, err
	}
	bucket.Prefix = ""
	p.buckets[cacheKey] = bucket
	return bucket, nil
}

// isSymbolsListing matches top level <name>-symbols.txt members, which index
// the archive and are not themselves symbol files.
func isSymbolsListing(name string) bool {
	return !strings.Contains(name, "/") && strings.HasSuffix(strings.ToLower(name), "-symbols.txt")
}

// compressExtension reports whether the file is a text format that is stored
// gzip compressed.
func compressExtension(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".sym", ".txt":
		return true
	}
	return false
}

// unchangedSize compares a stored object against an archive member. Objects
// stored compressed carry their original size as metadata; otherwise the
// stored size is compared directly.
func unchangedSize(info *storage.ObjectInfo, size int64) bool {
	if original, ok := info.Metadata["original_size"]; ok {
		parsed, err := strconv.ParseInt(original, 10, 64)
		return err == nil && parsed == size
	}
	return info.Size == size
}
