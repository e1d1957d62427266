package domain

import (
	"fmt"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
)

// Download defaults
const (
	DefaultChunkSize      = 5 * 1024 * 1024
	DefaultConnectTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
)

// PartSuffix is appended to the destination path to form the working file.
// The working file's byte length is the resume offset; no separate ledger is kept.
const PartSuffix = ".part"

// ProgressFunc receives throttled progress updates during a download.
type ProgressFunc func(DownloadProgress)

// DownloadRequest describes one logical download. It is immutable for the
// duration of the Download call.
type DownloadRequest struct {
	// URL is the source to fetch
	URL string

	// DestPath is the final on-disk location of the artifact
	DestPath string

	// ChunkSize is the number of bytes buffered in memory before a flush
	// to the part file. Defaults to 5 MiB.
	ChunkSize int64

	// ConnectTimeout bounds how long to wait for response headers.
	// Defaults to 30s.
	ConnectTimeout time.Duration

	// MaxRetries is the number of attempts before giving up. Defaults to 3.
	MaxRetries int

	// MinValidSize marks an existing final file smaller than this as
	// incomplete; it is deleted and redownloaded. 0 disables the check.
	MinValidSize int64

	// OnProgress, if set, receives throttled progress updates
	OnProgress ProgressFunc
}

// WithDefaults returns a copy of the request with zero fields filled in.
func (r DownloadRequest) WithDefaults() DownloadRequest {
	if r.ChunkSize <= 0 {
		r.ChunkSize = DefaultChunkSize
	}
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	return r
}

// Validate checks that the request is well formed.
func (r DownloadRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if _, err := url.ParseRequestURI(r.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.DestPath == "" {
		return fmt.Errorf("%w: dest path is required", ErrInvalidRequest)
	}
	return nil
}

// PartPath returns the working file path for this request.
func (r DownloadRequest) PartPath() string {
	return r.DestPath + PartSuffix
}

// DownloadProgress is a snapshot of a download in flight.
type DownloadProgress struct {
	// ReceivedBytes counts bytes downloaded so far, including bytes
	// recovered from a previous attempt's part file
	ReceivedBytes int64

	// TotalBytes is the expected final size, 0 when the server did not say
	TotalBytes int64

	// Percent is 0-100; 0 while the total is unknown
	Percent int

	// Detail is a human-readable current/total string
	Detail string
}

// NewDownloadProgress builds a progress snapshot from raw counters.
func NewDownloadProgress(received, total int64) DownloadProgress {
	p := DownloadProgress{
		ReceivedBytes: received,
		TotalBytes:    total,
	}
	if total > 0 {
		p.Percent = int(float64(received)/float64(total)*100 + 0.5)
		p.Detail = fmt.Sprintf("%s / %s",
			humanize.Bytes(uint64(received)), humanize.Bytes(uint64(total)))
	} else {
		p.Detail = humanize.Bytes(uint64(received))
	}
	return p
}

// DownloadResult represents the outcome of a completed download
type DownloadResult struct {
	// FilePath is the final path the artifact was renamed to
	FilePath string

	// BytesWritten is the total size of the final file
	BytesWritten int64

	// Resumed indicates whether any attempt continued from a part file
	Resumed bool

	// ResumedFrom is the byte offset of the first resumed attempt
	ResumedFrom int64

	// Attempts is the number of attempts consumed
	Attempts int
}
