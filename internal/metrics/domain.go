package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultLabel = "result"
	tryLabel    = "try"
)

// Upload results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// File upload results.
const (
	ResultUploaded = "uploaded"
	ResultSkipped  = "skipped"
	ResultIgnored  = "ignored"
)

// Download results.
const (
	ResultFound   = "found"
	ResultMissing = "missing"
)

// UploadMetrics instruments the upload API.
type UploadMetrics struct {
	// ArchiveSeconds times the whole upload request.
	ArchiveSeconds prometheus.Histogram

	// InboxSeconds times spooling the raw archive to the inbox.
	InboxSeconds prometheus.Histogram

	// Uploads counts upload requests by result.
	Uploads *prometheus.CounterVec
}

// NewUploadMetrics registers upload API collectors with registrar.
func NewUploadMetrics(registrar prometheus.Registerer) *UploadMetrics {
	m := &UploadMetrics{
		ArchiveSeconds: promauto.With(registrar).NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_archive_duration_seconds",
			Help:    "Histogram of time spent handling an upload request in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		InboxSeconds: promauto.With(registrar).NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_inbox_store_duration_seconds",
			Help:    "Histogram of time spent spooling an archive to the inbox in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		Uploads: promauto.With(registrar).NewCounterVec(prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Count of upload requests by result",
		}, []string{resultLabel}),
	}
	return m
}

// ProcessorMetrics instruments upload processing.
type ProcessorMetrics struct {
	// ProcessSeconds times processing one inbox archive.
	ProcessSeconds prometheus.Histogram

	// FileUploads counts archive members by what happened to them.
	FileUploads *prometheus.CounterVec

	// Reattempts counts uploads the sweeper re-enqueued.
	Reattempts prometheus.Counter
}

// NewProcessorMetrics registers processor collectors with registrar.
func NewProcessorMetrics(registrar prometheus.Registerer) *ProcessorMetrics {
	m := &ProcessorMetrics{
		ProcessSeconds: promauto.With(registrar).NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_process_duration_seconds",
			Help:    "Histogram of time spent processing an inbox archive in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		FileUploads: promauto.With(registrar).NewCounterVec(prometheus.CounterOpts{
			Name: "upload_file_uploads_total",
			Help: "Count of archive members by processing result",
		}, []string{resultLabel}),
		Reattempts: promauto.With(registrar).NewCounter(prometheus.CounterOpts{
			Name: "upload_reattempts_total",
			Help: "Count of incomplete uploads re-enqueued by the sweeper",
		}),
	}
	return m
}

// DownloadMetrics instruments the download API.
type DownloadMetrics struct {
	// Downloads counts symbol lookups by result and whether Try symbols
	// were consulted.
	Downloads *prometheus.CounterVec
}

// NewDownloadMetrics registers download API collectors with registrar.
func NewDownloadMetrics(registrar prometheus.Registerer) *DownloadMetrics {
	return &DownloadMetrics{
		Downloads: promauto.With(registrar).NewCounterVec(prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Count of symbol downloads by result",
		}, []string{resultLabel, tryLabel}),
	}
}
