// Package download implements the symbol download HTTP API. Lookups walk the
// configured symbol buckets in order and answer with a redirect to the object
// (or the object itself for directory backed buckets). Misses are recorded so
// the set of symbols crash reports wanted but we never had can be analyzed.
package download

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/metrics"
	"github.com/adrianosela/tecken/internal/storage"
)

// signedURLExpiry is how long presigned URLs for private buckets stay valid.
// Downloaders follow the redirect immediately; an hour is generous.
const signedURLExpiry = time.Hour

// Store is the database surface the download frontend depends on.
type Store interface {
	RecordMissingSymbol(ctx context.Context, missing *db.MissingSymbol) error
}

// Config holds the download frontend settings.
type Config struct {
	// SymbolURLs are the bucket URLs searched for symbols, in order.
	SymbolURLs []string

	// FilePrefix is the key namespace symbol files live under inside each
	// bucket. Try symbols live under try/<FilePrefix>.
	FilePrefix string
}

// Frontend is the symbol download HTTP API frontend. It is responsible for
// configuring routers with handlers for the download endpoints.
type Frontend struct {
	logger  logr.Logger
	store   Store
	metrics *metrics.DownloadMetrics

	// regular and try hold the same buckets under the regular and try file
	// prefixes, index aligned with Config.SymbolURLs.
	regular []*storage.Bucket
	try     []*storage.Bucket
}

// New creates a new Frontend. Every symbol URL is parsed eagerly so
// misconfiguration surfaces at startup.
func New(logger logr.Logger, store Store, m *metrics.DownloadMetrics, config Config) (*Frontend, error) {
	filePrefix := config.FilePrefix
	if filePrefix == "" {
		filePrefix = storage.DefaultFilePrefix
	}

	f := &Frontend{
		logger:  logger,
		store:   store,
		metrics: m,
	}

	for _, rawURL := range config.SymbolURLs {
		regular, err := storage.ParseBucket(rawURL, filePrefix)
		if err != nil {
			return nil, err
		}
		tryBucket, err := storage.ParseBucket(rawURL, storage.TryFilePrefix(filePrefix))
		if err != nil {
			return nil, err
		}
		f.regular = append(f.regular, regular)
		f.try = append(f.try, tryBucket)
	}

	return f, nil
}

// Configure configures router with the download API endpoints. Downloads are
// anonymous; no authentication middleware is involved.
func (f *Frontend) Configure(router *gin.Engine) {
	regular := f.handleDownload(false)
	router.GET("/:debug_filename/:debug_id/:filename", regular)
	router.HEAD("/:debug_filename/:debug_id/:filename", regular)

	try := f.handleDownload(true)
	router.GET("/try/:debug_filename/:debug_id/:filename", try)
	router.HEAD("/try/:debug_filename/:debug_id/:filename", try)
}

var hexCharacters = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// NormalizeDebugID strips dashes from a debug id and uppercases it. Debug ids
// arrive both as bare hex and in GUID form with dashes.
func NormalizeDebugID(debugID string) (string, bool) {
	cleaned := strings.ReplaceAll(debugID, "-", "")
	if cleaned == "" || !hexCharacters.MatchString(cleaned) {
		return "", false
	}
	return strings.ToUpper(cleaned), true
}

func (f *Frontend) handleDownload(tryRoute bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rawDebugID := c.Param("debug_id")
		debugID, ok := NormalizeDebugID(rawDebugID)
		if !ok {
			c.String(http.StatusBadRequest, "Invalid debug id %q", rawDebugID)
			return
		}

		symbol := c.Param("debug_filename")
		filename := c.Param("filename")
		key := symbol + "/" + debugID + "/" + filename

		try := tryRoute || c.Query("try") != ""
		tryValue := strconv.FormatBool(try)

		for _, bucket := range f.candidates(try) {
			info, err := bucket.StatObject(c.Request.Context(), key)
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			if err != nil {
				_ = c.Error(err)
				f.logger.Error(err, "Symbol lookup failed", "bucket", bucket.Name, "key", key)
				c.String(http.StatusInternalServerError, "internal server error")
				return
			}

			f.metrics.Downloads.WithLabelValues(metrics.ResultFound, tryValue).Inc()
			f.debugTimer(c, start)
			f.deliver(c, bucket, key, info)
			return
		}

		f.metrics.Downloads.WithLabelValues(metrics.ResultMissing, tryValue).Inc()

		// HEAD lookups are used for existence probes and would flood the
		// missing symbol accounting.
		if c.Request.Method == http.MethodGet {
			f.recordMissing(c, symbol, debugID, filename)
		}

		f.debugTimer(c, start)
		c.String(http.StatusNotFound, "Symbol Not Found")
	}
}

// candidates returns the buckets to search. Regular prefixes always come
// first so try symbols never shadow release symbols.
func (f *Frontend) candidates(try bool) []*storage.Bucket {
	if !try {
		return f.regular
	}
	candidates := make([]*storage.Bucket, 0, len(f.regular)+len(f.try))
	candidates = append(candidates, f.regular...)
	return append(candidates, f.try...)
}

// deliver answers a found symbol, either by redirect or, for directory backed
// buckets, by serving the object body.
func (f *Frontend) deliver(c *gin.Context, bucket *storage.Bucket, key string, info *storage.ObjectInfo) {
	ctx := c.Request.Context()

	if bucket.Backend == storage.BackendFS {
		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusOK)
			return
		}

		reader, err := bucket.Open(ctx, key)
		if err != nil {
			_ = c.Error(err)
			f.logger.Error(err, "Failed to open symbol", "bucket", bucket.Name, "key", key)
			c.String(http.StatusInternalServerError, "internal server error")
			return
		}
		defer reader.Close()

		headers := map[string]string{}
		if info.ContentEncoding != "" {
			headers["Content-Encoding"] = info.ContentEncoding
		}
		c.DataFromReader(http.StatusOK, info.Size, "application/octet-stream", reader, headers)
		return
	}

	location := bucket.ObjectURL(key)
	if bucket.Private {
		signed, err := bucket.SignedURL(ctx, key, signedURLExpiry)
		if err != nil {
			_ = c.Error(err)
			f.logger.Error(err, "Failed to sign symbol URL", "bucket", bucket.Name, "key", key)
			c.String(http.StatusInternalServerError, "internal server error")
			return
		}
		location = signed
	}

	c.Redirect(http.StatusFound, location)
}

func (f *Frontend) recordMissing(c *gin.Context, symbol, debugID, filename string) {
	missing := &db.MissingSymbol{
		Symbol:   symbol,
		DebugID:  debugID,
		Filename: filename,
		CodeFile: c.Query("code_file"),
		CodeID:   c.Query("code_id"),
	}
	if err := f.store.RecordMissingSymbol(c.Request.Context(), missing); err != nil {
		f.logger.Error(err, "Failed to record missing symbol", "symbol", symbol, "debug_id", debugID)
	}
}

// debugTimer reports server side lookup time when the client asks for it with
// ?_debug=true.
func (f *Frontend) debugTimer(c *gin.Context, start time.Time) {
	if c.Query("_debug") == "" {
		return
	}
	c.Header("Debug-Time", strconv.FormatFloat(time.Since(start).Seconds(), 'f', 6, 64))
}
