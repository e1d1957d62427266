package downloader

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavespeed/modelfetch/internal/adapter/filestore"
	"github.com/wavespeed/modelfetch/internal/domain"
)

func testContent(size int) []byte {
	r := rand.New(rand.NewSource(42))
	buf := make([]byte, size)
	r.Read(buf)
	return buf
}

// recorder tracks the requests a test server received.
type recorder struct {
	mu     sync.Mutex
	ranges []string
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	r.ranges = append(r.ranges, req.Header.Get("Range"))
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

func (r *recorder) rangeHeaders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ranges...)
}

// serveWithRange answers a plain or ranged GET for content, the way a
// well-behaved origin server would.
func serveWithRange(w http.ResponseWriter, req *http.Request, content []byte) {
	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
		return
	}

	offsetStr := strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset > len(content) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
	w.Header().Set("Content-Length", strconv.Itoa(len(content)-offset))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(content[offset:])
}

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	return New(nil, filestore.NewManager(), nil, nil, &Config{
		RetryBackoff:     time.Millisecond,
		ProgressInterval: time.Millisecond,
	})
}

func TestDownloadFresh(t *testing.T) {
	content := testContent(10000)
	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		serveWithRange(w, r, content)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	var progress []domain.DownloadProgress

	d := newTestDownloader(t)
	result, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:       srv.URL + "/model.bin",
		DestPath:  destPath,
		ChunkSize: 1024,
		OnProgress: func(p domain.DownloadProgress) {
			progress = append(progress, p)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, destPath, result.FilePath)
	assert.Equal(t, int64(10000), result.BytesWritten)
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.Resumed)
	assert.Equal(t, 1, rec.count())

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// No part file left behind
	_, err = os.Stat(destPath + domain.PartSuffix)
	assert.True(t, os.IsNotExist(err))

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
	assert.Equal(t, int64(10000), progress[len(progress)-1].ReceivedBytes)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].ReceivedBytes, progress[i-1].ReceivedBytes,
			"progress must be monotonically non-decreasing")
	}
}

func TestDownloadIdempotent(t *testing.T) {
	content := testContent(5000)
	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		serveWithRange(w, r, content)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	d := newTestDownloader(t)
	req := domain.DownloadRequest{URL: srv.URL + "/model.bin", DestPath: destPath}

	result, err := d.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())

	// Second call short-circuits without any network activity.
	result, err = d.Download(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.BytesWritten)
	assert.Equal(t, 0, result.Attempts)
	assert.Equal(t, 1, rec.count())
}

func TestMinValidSize(t *testing.T) {
	content := testContent(5000)

	t.Run("undersized file is deleted and redownloaded", func(t *testing.T) {
		rec := &recorder{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.record(r)
			serveWithRange(w, r, content)
		}))
		defer srv.Close()

		destPath := filepath.Join(t.TempDir(), "model.bin")
		require.NoError(t, os.WriteFile(destPath, []byte("truncated"), 0644))

		d := newTestDownloader(t)
		result, err := d.Download(context.Background(), domain.DownloadRequest{
			URL:          srv.URL + "/model.bin",
			DestPath:     destPath,
			MinValidSize: 1000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5000), result.BytesWritten)
		assert.Equal(t, 1, rec.count())

		got, err := os.ReadFile(destPath)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("file at or above the minimum is accepted without a request", func(t *testing.T) {
		rec := &recorder{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.record(r)
			serveWithRange(w, r, content)
		}))
		defer srv.Close()

		destPath := filepath.Join(t.TempDir(), "model.bin")
		require.NoError(t, os.WriteFile(destPath, bytes.Repeat([]byte{0xab}, 2000), 0644))

		d := newTestDownloader(t)
		result, err := d.Download(context.Background(), domain.DownloadRequest{
			URL:          srv.URL + "/model.bin",
			DestPath:     destPath,
			MinValidSize: 1000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2000), result.BytesWritten)
		assert.Equal(t, 0, rec.count())
	})
}

func TestResumeFromPartFile(t *testing.T) {
	content := testContent(10000)
	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		serveWithRange(w, r, content)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destPath+domain.PartSuffix, content[:4000], 0644))

	d := newTestDownloader(t)
	result, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:      srv.URL + "/model.bin",
		DestPath: destPath,
	})
	require.NoError(t, err)

	assert.True(t, result.Resumed)
	assert.Equal(t, int64(4000), result.ResumedFrom)
	assert.Equal(t, int64(10000), result.BytesWritten)

	require.Equal(t, []string{"bytes=4000-"}, rec.rangeHeaders())

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed file must be byte-identical to the original")
}

func TestServerWithoutRangeSupport(t *testing.T) {
	content := testContent(8000)
	rec := &recorder{}

	// Answers 200 with the full resource no matter what was asked.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destPath+domain.PartSuffix, content[:3000], 0644))

	d := newTestDownloader(t)
	result, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:      srv.URL + "/model.bin",
		DestPath: destPath,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8000), result.BytesWritten)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, got, "fallback must produce a clean full download, not a mixed-offset file")
}

func TestRetryExhaustion(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	_, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:        srv.URL + "/model.bin",
		DestPath:   filepath.Join(t.TempDir(), "model.bin"),
		MaxRetries: 3,
	})
	require.Error(t, err)

	assert.Equal(t, 3, rec.count(), "exactly MaxRetries attempts must be made")
	assert.Contains(t, err.Error(), "after 3 attempts")

	var statusErr *domain.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestRetryRecoversPartialProgress(t *testing.T) {
	// The example scenario: a 10000-byte resource, connection dropped after
	// byte 4000 on the first attempt, completed normally on resume.
	content := testContent(10000)
	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if rec.count() == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:4000])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		serveWithRange(w, r, content)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	var progress []domain.DownloadProgress

	d := newTestDownloader(t)
	result, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:        srv.URL + "/model.bin",
		DestPath:   destPath,
		ChunkSize:  1, // flush every read so the part file holds everything received
		MaxRetries: 2,
		OnProgress: func(p domain.DownloadProgress) {
			progress = append(progress, p)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int64(10000), result.BytesWritten)

	headers := rec.rangeHeaders()
	require.Len(t, headers, 2)
	assert.Empty(t, headers[0], "first attempt must not send a Range header")
	assert.Equal(t, "bytes=4000-", headers[1])

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
}

func TestCancellation(t *testing.T) {
	content := testContent(20000)
	rec := &recorder{}
	firstBytes := make(chan struct{})
	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:2000])
		w.(http.Flusher).Flush()
		// Stall until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "model.bin")
	d := newTestDownloader(t)

	done := make(chan error, 1)
	go func() {
		_, err := d.Download(context.Background(), domain.DownloadRequest{
			URL:        srv.URL + "/model.bin",
			DestPath:   destPath,
			ChunkSize:  1,
			MaxRetries: 5,
			OnProgress: func(domain.DownloadProgress) {
				once.Do(func() { close(firstBytes) })
			},
		})
		done <- err
	}()

	select {
	case <-firstBytes:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first bytes")
	}
	d.Cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for download to return")
	}

	require.Error(t, err)
	assert.True(t, domain.IsCancelled(err), "cancellation must surface as ErrCancelled, got: %v", err)
	assert.Equal(t, 1, rec.count(), "cancellation must not consume further attempts")

	// Flushed bytes survive for a later resume.
	partSize, exists, sizeErr := filestore.NewManager().Size(destPath + domain.PartSuffix)
	require.NoError(t, sizeErr)
	assert.True(t, exists)
	assert.Greater(t, partSize, int64(0))
}

func TestConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	_, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:            srv.URL + "/model.bin",
		DestPath:       filepath.Join(t.TempDir(), "model.bin"),
		ConnectTimeout: 50 * time.Millisecond,
		MaxRetries:     1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
}

func TestZeroLengthDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "empty.bin")
	d := newTestDownloader(t)
	result, err := d.Download(context.Background(), domain.DownloadRequest{
		URL:      srv.URL + "/empty.bin",
		DestPath: destPath,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.BytesWritten)

	info, err := os.Stat(destPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestDownloadInvalidRequest(t *testing.T) {
	d := newTestDownloader(t)

	_, err := d.Download(context.Background(), domain.DownloadRequest{DestPath: "/tmp/x"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = d.Download(context.Background(), domain.DownloadRequest{URL: "http://example.com/f"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
