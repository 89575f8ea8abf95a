package upload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/adrianosela/tecken/internal/auth"
	"github.com/adrianosela/tecken/internal/db"
	. "github.com/adrianosela/tecken/internal/frontend/upload"
	"github.com/adrianosela/tecken/internal/metrics"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type fakeQueue struct {
	ids []int64
	err error
}

func (q *fakeQueue) Enqueue(id int64) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type fakeEvents struct {
	created []*db.Upload
}

func (e *fakeEvents) UploadCreated(u *db.Upload) {
	e.created = append(e.created, u)
}

type uploadTestEnv struct {
	router    *gin.Engine
	store     *db.Store
	queue     *fakeQueue
	events    *fakeEvents
	metrics   *metrics.UploadMetrics
	bucketDir string
	token     *db.Token
	tryToken  *db.Token
}

func newUploadTestEnv(t *testing.T, mutate func(*Config)) *uploadTestEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(ctx, logr.Discard(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	token, err := store.CreateToken(ctx, "fred@example.com", []string{auth.PermUploadSymbols}, time.Hour)
	require.NoError(t, err)
	tryToken, err := store.CreateToken(ctx, "tryer@example.com", []string{auth.PermUploadTrySymbols}, time.Hour)
	require.NoError(t, err)

	bucketDir := t.TempDir()
	config := Config{
		DefaultBucketURL:   "file://" + bucketDir,
		DisallowedSnippets: []string{"highly-sensitive"},
		MaxUploadSize:      10 << 20,
	}
	if mutate != nil {
		mutate(&config)
	}

	queue := &fakeQueue{}
	events := &fakeEvents{}
	m := metrics.NewUploadMetrics(prometheus.NewRegistry())

	frontend, err := New(logr.Discard(), store, queue, events, m, config)
	require.NoError(t, err)

	router := gin.New()
	frontend.Configure(router, auth.Middleware(logr.Discard(), store))

	return &uploadTestEnv{
		router:    router,
		store:     store,
		queue:     queue,
		events:    events,
		metrics:   m,
		bucketDir: bucketDir,
		token:     token,
		tryToken:  tryToken,
	}
}

func (env *uploadTestEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, target, token, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile(filename, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(auth.HeaderName, token)
	return req
}

func urlFormRequest(t *testing.T, target, token, downloadURL string) *http.Request {
	t.Helper()

	form := url.Values{"url": {downloadURL}}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(auth.HeaderName, token)
	return req
}

func decodeUpload(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()

	var resp struct {
		Upload map[string]any `json:"upload"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &resp))
	require.NotNil(t, resp.Upload)
	return resp.Upload
}

func errorMessage(t *testing.T, body *bytes.Buffer) string {
	t.Helper()

	var resp map[string]string
	require.NoError(t, json.Unmarshal(body.Bytes(), &resp))
	return resp["error"]
}

func symbolsZip(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string]string{
		"xul.pdb/44E4EC8C2F41492B9369D6B9A059577C2/xul.sym": "MODULE windows x86 44E4EC8C2F41492B9369D6B9A059577C2 xul.pdb\n",
	})
}

func TestUploadArchive(t *testing.T) {
	env := newUploadTestEnv(t, nil)
	data := symbolsZip(t)

	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", data))
	require.Equal(t, http.StatusCreated, rec.Code)

	upload := decodeUpload(t, rec.Body)
	id := int64(upload["id"].(float64))
	require.Positive(t, id)
	require.Equal(t, "symbols.zip", upload["filename"])
	require.Equal(t, "fred@example.com", upload["user"])
	require.Equal(t, env.bucketDir, upload["bucket"])
	require.Equal(t, float64(len(data)), upload["size"])
	require.Equal(t, false, upload["try_symbols"])
	require.Equal(t, []any{}, upload["skipped_keys"])
	require.Nil(t, upload["completed_at"])

	require.Equal(t, []int64{id}, env.queue.ids)
	require.Len(t, env.events.created, 1)
	require.Equal(t, id, env.events.created[0].ID)

	row, err := env.store.UploadByID(context.Background(), id)
	require.NoError(t, err)
	require.Regexp(t, `^inbox/\d{4}-\d{2}-\d{2}/[0-9a-f]{12}/symbols\.zip$`, row.InboxKey)
	require.Empty(t, row.InboxFilepath)

	_, err = os.Stat(filepath.Join(env.bucketDir, filepath.FromSlash(row.InboxKey)))
	require.NoError(t, err)

	accepted := testutil.ToFloat64(env.metrics.Uploads.WithLabelValues(metrics.ResultAccepted))
	require.Equal(t, float64(1), accepted)
}

func TestUploadArchiveTrailingSlash(t *testing.T) {
	env := newUploadTestEnv(t, nil)

	rec := env.do(multipartRequest(t, "/upload/", env.token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestUploadRequiresAuthToken(t *testing.T) {
	env := newUploadTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	rec := env.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "This requires an Auth-Token to authenticate the request", errorMessage(t, rec.Body))
}

func TestUploadRejections(t *testing.T) {
	cases := []struct {
		Name     string
		Filename string
		Content  func(t *testing.T) []byte
		Status   int
		Error    string
	}{
		{
			Name:     "UnrecognizedExtension",
			Filename: "symbols.rar",
			Content:  symbolsZip,
			Status:   http.StatusBadRequest,
			Error:    `Unrecognized archive file extension ".rar"`,
		},
		{
			Name:     "EmptyFile",
			Filename: "symbols.zip",
			Content:  func(*testing.T) []byte { return nil },
			Status:   http.StatusBadRequest,
			Error:    "File size 0",
		},
		{
			Name:     "CorruptZip",
			Filename: "symbols.zip",
			Content:  func(*testing.T) []byte { return []byte("definitely not a zip") },
			Status:   http.StatusBadRequest,
			Error:    "zip: not a valid zip file",
		},
		{
			Name:     "UnrecognizedFilePattern",
			Filename: "symbols.zip",
			Content: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{"README.md": "hello"})
			},
			Status: http.StatusBadRequest,
			Error: "Unrecognized file pattern. Should only be <module>/<hex>/<file> " +
				"or <name>-symbols.txt and nothing else.",
		},
		{
			Name:     "DisallowedSnippet",
			Filename: "symbols.zip",
			Content: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{
					"highly-sensitive.pdb/44E4EC8C2F41492B9369D6B9A059577C2/x.sym": "MODULE\n",
				})
			},
			Status: http.StatusBadRequest,
			Error:  "Content of archive file contains the snippet 'highly-sensitive' which is not allowed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			env := newUploadTestEnv(t, nil)

			rec := env.do(multipartRequest(t, "/upload", env.token.Key, tc.Filename, tc.Content(t)))
			require.Equal(t, tc.Status, rec.Code)
			require.Equal(t, tc.Error, errorMessage(t, rec.Body))

			rejected := testutil.ToFloat64(env.metrics.Uploads.WithLabelValues(metrics.ResultRejected))
			require.Equal(t, float64(1), rejected)
		})
	}
}

func TestUploadWithoutFile(t *testing.T) {
	env := newUploadTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.Header.Set(auth.HeaderName, env.token.Key)
	rec := env.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Must be multipart form data with at least one file", errorMessage(t, rec.Body))
}

func TestUploadWithoutPermission(t *testing.T) {
	env := newUploadTestEnv(t, nil)

	token, err := env.store.CreateToken(context.Background(), "viewer@example.com", []string{"view-uploads"}, time.Hour)
	require.NoError(t, err)

	rec := env.do(multipartRequest(t, "/upload", token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Forbidden", errorMessage(t, rec.Body))
}

func TestUploadTrySymbols(t *testing.T) {
	t.Run("TryEndpoint", func(t *testing.T) {
		env := newUploadTestEnv(t, nil)

		rec := env.do(multipartRequest(t, "/upload/try", env.token.Key, "symbols.zip", symbolsZip(t)))
		require.Equal(t, http.StatusCreated, rec.Code)

		upload := decodeUpload(t, rec.Body)
		require.Equal(t, true, upload["try_symbols"])
	})

	t.Run("TryOnlyTokenIsForcedToTry", func(t *testing.T) {
		env := newUploadTestEnv(t, nil)

		rec := env.do(multipartRequest(t, "/upload", env.tryToken.Key, "symbols.zip", symbolsZip(t)))
		require.Equal(t, http.StatusCreated, rec.Code)

		upload := decodeUpload(t, rec.Body)
		require.Equal(t, true, upload["try_symbols"])

		row, err := env.store.UploadByID(context.Background(), int64(upload["id"].(float64)))
		require.NoError(t, err)
		require.True(t, row.TrySymbols)
	})
}

func TestUploadByDownload(t *testing.T) {
	data := symbolsZip(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect":
			http.Redirect(w, r, "/bundle.zip", http.StatusFound)
		case "/bundle.zip":
			w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	env := newUploadTestEnv(t, func(config *Config) {
		config.AllowedDownloadHosts = []string{serverURL.Host}
	})

	rec := env.do(urlFormRequest(t, "/upload", env.token.Key, server.URL+"/redirect"))
	require.Equal(t, http.StatusCreated, rec.Code)

	upload := decodeUpload(t, rec.Body)
	require.Equal(t, "bundle.zip", upload["filename"])
	require.Equal(t, server.URL+"/redirect", upload["download_url"])
	require.Equal(t, []any{server.URL + "/bundle.zip"}, upload["redirect_urls"])
	require.Equal(t, float64(len(data)), upload["size"])
}

func TestUploadByDownloadDisallowedHost(t *testing.T) {
	env := newUploadTestEnv(t, nil)

	rec := env.do(urlFormRequest(t, "/upload", env.token.Key, "https://symbols.example.com/bundle.zip"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, `Not an allowed domain ("symbols.example.com") to download from.`, errorMessage(t, rec.Body))
}

func TestUploadByDownloadTooBig(t *testing.T) {
	data := symbolsZip(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(data)
	}))
	t.Cleanup(server.Close)

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	env := newUploadTestEnv(t, func(config *Config) {
		config.AllowedDownloadHosts = []string{serverURL.Host}
		config.MaxUploadSize = 100
	})

	rec := env.do(urlFormRequest(t, "/upload", env.token.Key, server.URL+"/bundle.zip"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "File size exceeds limit (100 bytes).", errorMessage(t, rec.Body))
}

func TestUploadTooBig(t *testing.T) {
	env := newUploadTestEnv(t, func(config *Config) {
		config.MaxUploadSize = 200
	})

	content := bytes.Repeat([]byte("x"), 4096)
	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", content))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "File size exceeds limit (200 bytes).", errorMessage(t, rec.Body))
}

func TestUploadInboxDir(t *testing.T) {
	inbox := t.TempDir()
	env := newUploadTestEnv(t, func(config *Config) {
		config.InboxDir = inbox
	})

	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusCreated, rec.Code)

	upload := decodeUpload(t, rec.Body)
	row, err := env.store.UploadByID(context.Background(), int64(upload["id"].(float64)))
	require.NoError(t, err)

	require.Empty(t, row.InboxKey)
	require.True(t, strings.HasPrefix(row.InboxFilepath, inbox))

	_, err = os.Stat(row.InboxFilepath)
	require.NoError(t, err)
}

func TestUploadURLExceptionRouting(t *testing.T) {
	otherDir := t.TempDir()
	env := newUploadTestEnv(t, func(config *Config) {
		config.URLExceptions = []URLException{
			{Pattern: "fred@example.com", URL: "file://" + otherDir},
		}
	})

	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusCreated, rec.Code)

	upload := decodeUpload(t, rec.Body)
	require.Equal(t, otherDir, upload["bucket"])
}

func TestUploadMissingBucket(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	env := newUploadTestEnv(t, func(config *Config) {
		config.DefaultBucketURL = "file://" + missing
	})

	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	want := fmt.Sprintf(
		"Storage bucket '%s' can not be found. Connected with region='' endpoint_url=''",
		missing,
	)
	require.Equal(t, want, errorMessage(t, rec.Body))
}

func TestUploadSurvivesFullQueue(t *testing.T) {
	env := newUploadTestEnv(t, nil)
	env.queue.err = errors.New("queue full")

	rec := env.do(multipartRequest(t, "/upload", env.token.Key, "symbols.zip", symbolsZip(t)))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, env.queue.ids)
}
