package downloader

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavespeed/modelfetch/internal/domain"
	"github.com/wavespeed/modelfetch/internal/port"
)

// Config holds tuning knobs shared by all downloads driven by one Downloader.
type Config struct {
	// RetryBackoff is the base wait between attempts; attempt N waits N times this.
	RetryBackoff time.Duration

	// ProgressInterval is the minimum time between progress emissions.
	ProgressInterval time.Duration
}

// Downloader fetches large artifacts over HTTP with range-request resume.
// Each download is a sequence of attempts; bytes flushed to the part file
// survive failed attempts and the next attempt resumes from the part size.
type Downloader struct {
	client   *http.Client
	store    port.FileStore
	tasks    port.DownloadTaskRepository
	logger   *zap.Logger
	cfg      Config
	workerID string

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// New creates a new Downloader. tasks may be nil to disable history tracking.
func New(client *http.Client, store port.FileStore, tasks port.DownloadTaskRepository, logger *zap.Logger, cfg *Config) *Downloader {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		client:   client,
		store:    store,
		tasks:    tasks,
		logger:   logger,
		cfg:      c,
		workerID: uuid.NewString(),
	}
}

// Download fetches req.URL into req.DestPath, resuming from a part file left
// by earlier calls. It returns only after the download fully completed or
// fully failed; retries are internal. Bytes already flushed to the part file
// are never discarded on a retryable failure.
func (d *Downloader) Download(ctx context.Context, req domain.DownloadRequest) (*domain.DownloadResult, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
		cancel(nil)
	}()

	// Short-circuit: a valid final file means a prior call already succeeded.
	size, exists, err := d.store.Size(req.DestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check destination: %w", err)
	}
	if exists && size > 0 {
		if req.MinValidSize > 0 && size < req.MinValidSize {
			d.logger.Warn("existing file below minimum valid size, redownloading",
				zap.String("path", req.DestPath),
				zap.Int64("size", size),
				zap.Int64("min_valid_size", req.MinValidSize))
			if err := d.store.Delete(req.DestPath); err != nil {
				return nil, fmt.Errorf("failed to delete undersized file: %w", err)
			}
		} else {
			d.logger.Debug("file already downloaded",
				zap.String("path", req.DestPath),
				zap.Int64("size", size))
			return &domain.DownloadResult{
				FilePath:     req.DestPath,
				BytesWritten: size,
			}, nil
		}
	}

	task := d.beginTask(req)

	result := &domain.DownloadResult{FilePath: req.DestPath}
	var lastErr error

	for attempt := 1; attempt <= req.MaxRetries; attempt++ {
		result.Attempts = attempt

		startByte, _, err := d.store.Size(req.PartPath())
		if err != nil {
			return nil, fmt.Errorf("failed to check part file: %w", err)
		}
		if startByte > 0 && !result.Resumed {
			result.Resumed = true
			result.ResumedFrom = startByte
		}

		state, err := d.attempt(ctx, req, attempt, startByte, task)
		if err == nil {
			result.BytesWritten = state.received
			d.finishTask(task, result, nil)
			d.logger.Info("download completed",
				zap.String("url", req.URL),
				zap.String("path", req.DestPath),
				zap.Int64("bytes", result.BytesWritten),
				zap.Int("attempts", attempt))
			return result, nil
		}

		if domain.IsCancelled(err) {
			d.finishTask(task, result, err)
			d.logger.Info("download cancelled",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt))
			return nil, err
		}

		lastErr = err
		d.logger.Warn("download attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", req.MaxRetries),
			zap.Error(err))

		if attempt < req.MaxRetries {
			if err := d.backoff(ctx, attempt); err != nil {
				d.finishTask(task, result, err)
				return nil, err
			}
		}
	}

	err = fmt.Errorf("download failed after %d attempts: %w", req.MaxRetries, lastErr)
	d.finishTask(task, result, err)
	return nil, err
}

// Cancel aborts the in-flight download, if any. The current attempt fails
// terminally and no further attempts are consumed. Bytes already flushed to
// the part file remain on disk for a later Download call to resume from.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel(domain.ErrCancelled)
	}
}

// backoff waits attempt * RetryBackoff, or returns early on cancellation.
// Linear rather than exponential: downloads are large and infrequent, so the
// dominant failure cost is wasted stream bytes, not request storms.
func (d *Downloader) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(attempt) * d.cfg.RetryBackoff
	d.logger.Debug("waiting before retry", zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cancellationError(ctx)
	}
}

// cancellationError maps a done context to the domain error taxonomy.
func cancellationError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}
	// Parent context cancellation behaves like a user abort.
	return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
}

func (d *Downloader) beginTask(req domain.DownloadRequest) *domain.DownloadTask {
	if d.tasks == nil {
		return nil
	}

	task := &domain.DownloadTask{
		URL:          req.URL,
		DestPath:     req.DestPath,
		Status:       domain.TaskStatusPending,
		PartFilePath: req.PartPath(),
	}
	task.Claim(d.workerID)

	if err := d.tasks.Create(task); err != nil {
		d.logger.Warn("failed to record download task", zap.Error(err))
		return nil
	}
	return task
}

func (d *Downloader) finishTask(task *domain.DownloadTask, result *domain.DownloadResult, downloadErr error) {
	if d.tasks == nil || task == nil {
		return
	}

	if downloadErr == nil {
		task.MarkCompleted(result.BytesWritten)
	} else {
		task.MarkFailed(result.Attempts, downloadErr.Error())
	}

	if err := d.tasks.Update(task); err != nil {
		d.logger.Warn("failed to update download task", zap.Error(err))
	}
}

func (d *Downloader) recordProgress(task *domain.DownloadTask, bytesDownloaded int64, partPath string) {
	if d.tasks == nil || task == nil {
		return
	}
	if err := d.tasks.UpdateProgress(task.ID, bytesDownloaded, partPath); err != nil {
		d.logger.Warn("failed to update task progress", zap.Error(err))
	}
}
