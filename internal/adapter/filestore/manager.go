package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wavespeed/modelfetch/internal/domain"
	"github.com/wavespeed/modelfetch/internal/port"
)

// Manager implements port.FileStore on the local filesystem
type Manager struct{}

// Ensure Manager implements port.FileStore
var _ port.FileStore = (*Manager)(nil)

// NewManager creates a new filestore manager
func NewManager() *Manager {
	return &Manager{}
}

// Size returns the byte length of the file at path and whether it exists
func (m *Manager) Size(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), true, nil
}

// AppendChunk appends buf to the file at path, creating it if needed
func (m *Manager) AppendChunk(path string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for append: %w", err)
	}

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to append chunk: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// Rename atomically moves oldPath to newPath
func (m *Manager) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes the file at path, ignoring missing files
func (m *Manager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// CleanStaleParts removes part files under dir older than the specified
// duration. Abandoned part files accumulate when a destination is never
// retried. Returns the number of files deleted.
func (m *Manager) CleanStaleParts(dir string, olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == domain.PartSuffix {
			if info.ModTime().Before(threshold) {
				if removeErr := os.Remove(path); removeErr == nil {
					count++
				}
			}
		}
		return nil
	})
	return count, err
}
