package port

import "github.com/wavespeed/modelfetch/internal/domain"

// DownloadTaskRepository persists download task state for history and
// post-mortem inspection
type DownloadTaskRepository interface {
	// Create inserts a new task and fills in its ID
	Create(task *domain.DownloadTask) error

	// GetByDestPath returns the most recent task for a destination path.
	// Returns domain.ErrTaskNotFound if none exists.
	GetByDestPath(destPath string) (*domain.DownloadTask, error)

	// Update persists the current state of the task
	Update(task *domain.DownloadTask) error

	// UpdateProgress updates only the advisory byte counter and part path
	UpdateProgress(id int64, bytesDownloaded int64, partPath string) error

	// ListRecent returns up to limit tasks ordered by most recently updated
	ListRecent(limit int) ([]*domain.DownloadTask, error)
}
