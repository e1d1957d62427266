package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wavespeed/modelfetch/internal/domain"
	"github.com/wavespeed/modelfetch/internal/util/ratelimiter"
)

// contentRangeRe matches "bytes <start>-<end>/<total>"
var contentRangeRe = regexp.MustCompile(`bytes (\d+)-(\d+)/(\d+)`)

const readBufferSize = 32 * 1024

// attemptState carries the counters of one attempt. Created at the top of
// each retry iteration and discarded at its end; nothing about an attempt is
// shared state.
type attemptState struct {
	number    int
	startByte int64
	total     int64
	received  int64
}

// attempt performs exactly one streamed fetch. It never retries internally;
// classification of the returned error drives the caller's retry loop.
func (d *Downloader) attempt(ctx context.Context, req domain.DownloadRequest, number int, startByte int64, task *domain.DownloadTask) (*attemptState, error) {
	partPath := req.PartPath()

	d.logger.Debug("starting download attempt",
		zap.String("url", req.URL),
		zap.Int("attempt", number),
		zap.Int64("start_byte", startByte))

	hctx, hcancel := context.WithCancelCause(ctx)
	defer hcancel(nil)

	httpReq, err := http.NewRequestWithContext(hctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to build request: %w", err))
	}
	if startByte > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(startByte, 10)+"-")
	}

	// The watchdog only guards the wait for response headers; once the
	// stream is open, a stalled body read is surfaced by the client itself.
	timer := time.AfterFunc(req.ConnectTimeout, func() {
		hcancel(fmt.Errorf("%w after %s", domain.ErrConnectTimeout, req.ConnectTimeout))
	})
	resp, err := d.client.Do(httpReq)
	timer.Stop()
	if err != nil {
		return nil, classifyTransportError(hctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, domain.NewRetryableError(&domain.HTTPStatusError{Code: resp.StatusCode})
	}

	// A 200 answer to a ranged request means the server is replaying the
	// whole resource. Appending it after the existing prefix would corrupt
	// the part file, so drop the prefix and take the full stream instead.
	if startByte > 0 && resp.StatusCode == http.StatusOK {
		d.logger.Warn("server ignored range request, restarting from byte zero",
			zap.String("url", req.URL),
			zap.Int64("discarded_bytes", startByte))
		if err := d.store.Delete(partPath); err != nil {
			return nil, domain.NewRetryableError(fmt.Errorf("failed to discard part file: %w", err))
		}
		startByte = 0
	}

	state := &attemptState{
		number:    number,
		startByte: startByte,
		received:  startByte,
		total:     responseTotal(resp, startByte),
	}

	emit := func(p domain.DownloadProgress) {
		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	}

	var pending bytes.Buffer
	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		if err := d.store.AppendChunk(partPath, pending.Bytes()); err != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to flush %d buffered bytes: %w", pending.Len(), err))
		}
		pending.Reset()
		d.recordProgress(task, state.received, partPath)
		return nil
	}

	limiter := ratelimiter.New(d.cfg.ProgressInterval)
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			state.received += int64(n)

			if int64(pending.Len()) >= req.ChunkSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}

			if state.total > 0 && state.received == state.total {
				emit(domain.NewDownloadProgress(state.received, state.total))
			} else if limiter.Allow() {
				emit(domain.NewDownloadProgress(state.received, state.total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, classifyTransportError(hctx, fmt.Errorf("stream read failed: %w", readErr))
		}
	}

	// Flush whatever is left, even below the chunk threshold; no bytes may
	// be dropped at end-of-stream.
	if err := flush(); err != nil {
		return nil, err
	}

	// A zero-length stream still has to leave a part file behind so the
	// rename below produces the (empty) final artifact.
	if state.received == 0 {
		if err := d.store.AppendChunk(partPath, nil); err != nil {
			return nil, domain.NewRetryableError(fmt.Errorf("failed to create empty part file: %w", err))
		}
	}

	if err := d.store.Rename(partPath, req.DestPath); err != nil {
		// The bytes stay safely in the part file for the next attempt.
		return nil, domain.NewRetryableError(fmt.Errorf("failed to finalize download: %w", err))
	}

	final := domain.NewDownloadProgress(state.received, max(state.total, state.received))
	final.Percent = 100
	emit(final)

	return state, nil
}

// responseTotal derives the expected final size from the response headers.
// Content-Range is authoritative on a 206; Content-Length on a ranged
// response only covers the remaining bytes, so the resume offset is added.
func responseTotal(resp *http.Response, startByte int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			return total
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength + startByte
	}
	return 0
}

// parseContentRange extracts the total size from a Content-Range header.
func parseContentRange(header string) (int64, bool) {
	m := contentRangeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// classifyTransportError maps a request or stream error onto the domain
// taxonomy: user cancellation is terminal, everything else is retryable.
func classifyTransportError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, domain.ErrCancelled) {
			return domain.ErrCancelled
		}
		if errors.Is(cause, domain.ErrConnectTimeout) {
			return domain.NewRetryableError(cause)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	return domain.NewRetryableError(err)
}
