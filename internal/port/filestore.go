package port

// FileStore defines the file primitives the downloader relies on. The
// implementation is expected to be already reliable; the downloader never
// retries individual store calls, it retries whole attempts.
type FileStore interface {
	// Size returns the byte length of the file at path and whether it
	// exists. A missing file is (0, false, nil), not an error.
	Size(path string) (int64, bool, error)

	// AppendChunk appends buf to the file at path, creating it if needed.
	// Chunks are appended strictly in the order received.
	AppendChunk(path string, buf []byte) error

	// Rename atomically moves oldPath to newPath. Both paths live in the
	// same directory, so the rename is a same-volume operation.
	Rename(oldPath, newPath string) error

	// Delete removes the file at path. Deleting a missing file is not an
	// error.
	Delete(path string) error
}
