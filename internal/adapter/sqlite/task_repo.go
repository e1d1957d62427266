package sqlite

import (
	"database/sql"

	"github.com/wavespeed/modelfetch/internal/domain"
)

// Create inserts a new download task and fills in its ID
func (s *Store) Create(task *domain.DownloadTask) error {
	query := `
		INSERT INTO download_tasks (
			url, dest_path, size, status, worker_id, part_file_path
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		task.URL, task.DestPath, task.Size, task.Status, task.WorkerID, task.PartFilePath)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	task.ID = id
	return nil
}

// GetByDestPath returns the most recent task for a destination path
func (s *Store) GetByDestPath(destPath string) (*domain.DownloadTask, error) {
	query := `
		SELECT id, url, dest_path, size, status, worker_id,
			   part_file_path, bytes_downloaded, retry_count, last_error,
			   created_at, updated_at, completed_at
		FROM download_tasks
		WHERE dest_path = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`

	task, err := s.scanTask(s.db.QueryRow(query, destPath))
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// Update persists the current state of the task
func (s *Store) Update(task *domain.DownloadTask) error {
	query := `
		UPDATE download_tasks
		SET url = ?, dest_path = ?, size = ?, status = ?, worker_id = ?,
			part_file_path = ?, bytes_downloaded = ?, retry_count = ?,
			last_error = ?, completed_at = ?,
			updated_at = datetime('now')
		WHERE id = ?
	`

	_, err := s.db.Exec(query,
		task.URL, task.DestPath, task.Size, task.Status, task.WorkerID,
		task.PartFilePath, task.BytesDownloaded, task.RetryCount,
		task.LastError, task.CompletedAt, task.ID)
	return err
}

// UpdateProgress updates only the advisory byte counter and part path
func (s *Store) UpdateProgress(id int64, bytesDownloaded int64, partPath string) error {
	query := `
		UPDATE download_tasks
		SET bytes_downloaded = ?,
			part_file_path = ?,
			updated_at = datetime('now')
		WHERE id = ?
	`

	_, err := s.db.Exec(query, bytesDownloaded, partPath, id)
	return err
}

// ListRecent returns up to limit tasks ordered by most recently updated
func (s *Store) ListRecent(limit int) ([]*domain.DownloadTask, error) {
	query := `
		SELECT id, url, dest_path, size, status, worker_id,
			   part_file_path, bytes_downloaded, retry_count, last_error,
			   created_at, updated_at, completed_at
		FROM download_tasks
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.DownloadTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row scanner) (*domain.DownloadTask, error) {
	task := &domain.DownloadTask{}
	var workerID, partPath, lastError sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.URL, &task.DestPath, &task.Size, &task.Status,
		&workerID, &partPath, &task.BytesDownloaded, &task.RetryCount,
		&lastError, &task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if workerID.Valid {
		task.WorkerID = workerID.String
	}
	if partPath.Valid {
		task.PartFilePath = partPath.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}

	return task, nil
}
