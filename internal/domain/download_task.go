package domain

import "time"

// Task status constants
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// DownloadTask records the state of one logical download for history and
// crash-recovery inspection. The part file on disk remains the source of
// truth for the resume offset; BytesDownloaded here is advisory.
type DownloadTask struct {
	ID       int64
	URL      string
	DestPath string
	Size     int64

	// State
	Status   string
	WorkerID string

	// Resume support
	PartFilePath    string
	BytesDownloaded int64

	// Retry handling
	RetryCount int
	LastError  string

	// Timestamps
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Claim marks the task as picked up by a worker
func (t *DownloadTask) Claim(workerID string) {
	t.Status = TaskStatusInProgress
	t.WorkerID = workerID
}

// UpdateProgress updates the advisory download progress
func (t *DownloadTask) UpdateProgress(bytesDownloaded int64, partPath string) {
	t.BytesDownloaded = bytesDownloaded
	if partPath != "" {
		t.PartFilePath = partPath
	}
}

// MarkCompleted marks the task as successfully finished
func (t *DownloadTask) MarkCompleted(bytesWritten int64) {
	t.Status = TaskStatusCompleted
	t.BytesDownloaded = bytesWritten
	t.LastError = ""
	now := time.Now()
	t.CompletedAt = &now
}

// MarkFailed marks the task as failed with the final error message
func (t *DownloadTask) MarkFailed(attempts int, errMsg string) {
	t.Status = TaskStatusFailed
	t.RetryCount = attempts
	t.WorkerID = ""
	t.LastError = errMsg
}
