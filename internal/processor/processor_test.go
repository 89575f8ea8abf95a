package processor_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/metrics"
	. "github.com/adrianosela/tecken/internal/processor"
	"github.com/adrianosela/tecken/internal/storage"
)

const debugID = "44E4EC8C2F41492B9369D6B9A059577C2"

const (
	symContent = "MODULE windows x86 " + debugID + " xul.pdb\nFILE 0 xul.cpp\nPUBLIC 0 0 main\n"
	pdbContent = "binary-pdb-payload"
)

type fakeEvents struct {
	mu        sync.Mutex
	completed []int64
	failed    []int64
}

func (e *fakeEvents) UploadCompleted(u *db.Upload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, u.ID)
}

func (e *fakeEvents) UploadFailed(u *db.Upload, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, u.ID)
}

func (e *fakeEvents) completedIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64{}, e.completed...)
}

func (e *fakeEvents) failedIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64{}, e.failed...)
}

type processorTestEnv struct {
	processor *Processor
	store     *db.Store
	events    *fakeEvents
	metrics   *metrics.ProcessorMetrics
	dir       string
}

func newProcessorTestEnv(t *testing.T, mutate func(*Config)) *processorTestEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(ctx, logr.Discard(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := Config{
		Workers:      1,
		QueueSize:    10,
		MaxAttempts:  3,
		ReattemptAge: time.Hour,
		FilePrefix:   "v1",
	}
	if mutate != nil {
		mutate(&config)
	}

	events := &fakeEvents{}
	m := metrics.NewProcessorMetrics(prometheus.NewRegistry())

	return &processorTestEnv{
		processor: New(logr.Discard(), store, events, m, config),
		store:     store,
		events:    events,
		metrics:   m,
		dir:       t.TempDir(),
	}
}

func archiveData(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, entry := range []struct{ name, content string }{
		{"xul.pdb/" + debugID + "/xul.sym", symContent},
		{"xul.pdb/" + debugID + "/xul.pdb", pdbContent},
		{"firefox-83.0-symbols.txt", "xul.pdb/" + debugID + "/xul.sym\n"},
	} {
		fw, err := w.Create(entry.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// seedUploadFile records an upload spooled to a local inbox file, the way the
// upload frontend does when an inbox directory is configured.
func (env *processorTestEnv) seedUploadFile(t *testing.T, data []byte, try bool, createdAt time.Time) *db.Upload {
	t.Helper()

	path := filepath.Join(t.TempDir(), "symbols.zip")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	upload := &db.Upload{
		UserEmail:     "fred@example.com",
		Filename:      "symbols.zip",
		BucketURL:     "file://" + env.dir,
		BucketName:    env.dir,
		InboxFilepath: path,
		Size:          int64(len(data)),
		TrySymbols:    try,
		CreatedAt:     createdAt,
	}
	require.NoError(t, env.store.CreateUpload(context.Background(), upload))
	return upload
}

// seedUploadBucket records an upload spooled into the bucket's inbox
// namespace, the way the upload frontend does without an inbox directory.
func (env *processorTestEnv) seedUploadBucket(t *testing.T, data []byte) *db.Upload {
	t.Helper()
	ctx := context.Background()

	key := "inbox/2021-03-09/24d0a41a1565/symbols.zip"
	bucket, err := storage.ParseBucket("file://"+env.dir, "")
	require.NoError(t, err)
	err = bucket.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: "application/zip",
	})
	require.NoError(t, err)

	upload := &db.Upload{
		UserEmail:  "fred@example.com",
		Filename:   "symbols.zip",
		BucketURL:  "file://" + env.dir,
		BucketName: env.dir,
		InboxKey:   key,
		Size:       int64(len(data)),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateUpload(ctx, upload))
	return upload
}

func TestProcessUpload(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	upload := env.seedUploadFile(t, archiveData(t), false, time.Now().UTC())

	require.NoError(t, env.processor.Process(ctx, upload.ID))

	row, err := env.store.UploadByID(ctx, upload.ID)
	require.NoError(t, err)
	require.NotNil(t, row.CompletedAt)
	require.Equal(t, 1, row.Attempts)
	require.Equal(t, db.StringList{"firefox-83.0-symbols.txt"}, row.IgnoredKeys)
	require.Empty(t, row.SkippedKeys)

	files, err := env.store.FileUploadsForUpload(ctx, upload.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byKey := map[string]db.FileUpload{}
	for _, fu := range files {
		byKey[fu.Key] = fu
	}

	symKey := "v1/xul.pdb/" + debugID + "/xul.sym"
	require.Contains(t, byKey, symKey)
	require.True(t, byKey[symKey].Compressed)
	require.False(t, byKey[symKey].IsUpdate)

	pdbKey := "v1/xul.pdb/" + debugID + "/xul.pdb"
	require.Contains(t, byKey, pdbKey)
	require.False(t, byKey[pdbKey].Compressed)
	require.Equal(t, int64(len(pdbContent)), byKey[pdbKey].Size)

	bucket, err := storage.ParseBucket("file://"+env.dir, "v1")
	require.NoError(t, err)

	info, err := bucket.StatObject(ctx, "xul.pdb/"+debugID+"/xul.sym")
	require.NoError(t, err)
	require.Equal(t, "gzip", info.ContentEncoding)
	require.Equal(t, strconv.Itoa(len(symContent)), info.Metadata["original_size"])

	reader, err := bucket.Open(ctx, "xul.pdb/"+debugID+"/xul.sym")
	require.NoError(t, err)
	defer reader.Close()
	gz, err := gzip.NewReader(reader)
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, symContent, string(decompressed))

	_, err = os.Stat(upload.InboxFilepath)
	require.True(t, os.IsNotExist(err))

	require.Equal(t, []int64{upload.ID}, env.events.completedIDs())
	require.Empty(t, env.events.failedIDs())

	uploaded := testutil.ToFloat64(env.metrics.FileUploads.WithLabelValues(metrics.ResultUploaded))
	require.Equal(t, float64(2), uploaded)
	ignored := testutil.ToFloat64(env.metrics.FileUploads.WithLabelValues(metrics.ResultIgnored))
	require.Equal(t, float64(1), ignored)
}

func TestProcessUploadFromBucketInbox(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	upload := env.seedUploadBucket(t, archiveData(t))

	require.NoError(t, env.processor.Process(ctx, upload.ID))

	row, err := env.store.UploadByID(ctx, upload.ID)
	require.NoError(t, err)
	require.NotNil(t, row.CompletedAt)

	inboxBucket, err := storage.ParseBucket("file://"+env.dir, "")
	require.NoError(t, err)
	_, err = inboxBucket.StatObject(ctx, upload.InboxKey)
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestProcessSkipsUnchangedFiles(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	data := archiveData(t)

	first := env.seedUploadFile(t, data, false, time.Now().UTC())
	second := env.seedUploadFile(t, data, false, time.Now().UTC())

	require.NoError(t, env.processor.Process(ctx, first.ID))
	require.NoError(t, env.processor.Process(ctx, second.ID))

	row, err := env.store.UploadByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, row.CompletedAt)
	require.ElementsMatch(t, []string{
		"xul.pdb/" + debugID + "/xul.sym",
		"xul.pdb/" + debugID + "/xul.pdb",
	}, []string(row.SkippedKeys))

	files, err := env.store.FileUploadsForUpload(ctx, second.ID)
	require.NoError(t, err)
	require.Empty(t, files)

	skipped := testutil.ToFloat64(env.metrics.FileUploads.WithLabelValues(metrics.ResultSkipped))
	require.Equal(t, float64(2), skipped)
}

func TestProcessTrySymbols(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	upload := env.seedUploadFile(t, archiveData(t), true, time.Now().UTC())

	require.NoError(t, env.processor.Process(ctx, upload.ID))

	tryBucket, err := storage.ParseBucket("file://"+env.dir, "try/v1")
	require.NoError(t, err)
	_, err = tryBucket.StatObject(ctx, "xul.pdb/"+debugID+"/xul.sym")
	require.NoError(t, err)

	regularBucket, err := storage.ParseBucket("file://"+env.dir, "v1")
	require.NoError(t, err)
	_, err = regularBucket.StatObject(ctx, "xul.pdb/"+debugID+"/xul.sym")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestProcessAlreadyCompleted(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	upload := env.seedUploadFile(t, archiveData(t), false, time.Now().UTC())

	require.NoError(t, env.processor.Process(ctx, upload.ID))
	require.NoError(t, env.processor.Process(ctx, upload.ID))

	row, err := env.store.UploadByID(ctx, upload.ID)
	require.NoError(t, err)
	require.Equal(t, 1, row.Attempts)
	require.Len(t, env.events.completedIDs(), 1)
}

func TestProcessMissingUpload(t *testing.T) {
	env := newProcessorTestEnv(t, nil)

	err := env.processor.Process(context.Background(), 999)
	require.ErrorIs(t, err, db.ErrUploadNotFound)
}

func TestProcessFailureLeavesUploadIncomplete(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()

	upload := env.seedUploadFile(t, archiveData(t), false, time.Now().UTC())
	require.NoError(t, os.Remove(upload.InboxFilepath))

	require.Error(t, env.processor.Process(ctx, upload.ID))

	row, err := env.store.UploadByID(ctx, upload.ID)
	require.NoError(t, err)
	require.Nil(t, row.CompletedAt)
	require.Equal(t, 1, row.Attempts)
	require.Equal(t, []int64{upload.ID}, env.events.failedIDs())
}

func TestEnqueueFull(t *testing.T) {
	env := newProcessorTestEnv(t, func(config *Config) {
		config.QueueSize = 1
	})

	require.NoError(t, env.processor.Enqueue(1))
	require.ErrorIs(t, env.processor.Enqueue(2), ErrQueueFull)
}

func TestSweepReenqueuesStaleUploads(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()
	data := archiveData(t)

	fresh := env.seedUploadFile(t, data, false, time.Now().UTC())
	stale := env.seedUploadFile(t, data, false, time.Now().UTC().Add(-2*time.Hour))

	require.NoError(t, env.processor.Sweep(ctx))
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Reattempts))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.processor.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		row, err := env.store.UploadByID(ctx, stale.ID)
		return err == nil && row.CompletedAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	row, err := env.store.UploadByID(ctx, fresh.ID)
	require.NoError(t, err)
	require.Nil(t, row.CompletedAt)
}

func TestSweepRespectsAttemptCap(t *testing.T) {
	env := newProcessorTestEnv(t, nil)
	ctx := context.Background()

	exhausted := env.seedUploadFile(t, archiveData(t), false, time.Now().UTC().Add(-2*time.Hour))
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.MarkUploadAttempt(ctx, exhausted.ID))
	}

	require.NoError(t, env.processor.Sweep(ctx))
	require.Equal(t, float64(0), testutil.ToFloat64(env.metrics.Reattempts))
}
