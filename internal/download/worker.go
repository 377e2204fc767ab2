package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/metrics"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

const (
	// Progress is sampled whenever either threshold is crossed.
	progressInterval = 250 * time.Millisecond
	progressBytes    = 1 << 20

	chunkTimeout = 30 * time.Second
	maxRetries   = 3
	copyBufSize  = 128 << 10
)

// retriableError marks failures worth another attempt.
type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// fetchItem downloads one item with resume and retry. The item's status is
// mutated in place; progress events are published on the bus.
func (s *Service) fetchItem(st *taskState, item *models.DownloadItem) error {
	item.Status = models.DownloadInProgress

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Network hiccup: re-enter pending and back off before retrying.
			item.Status = models.DownloadPending
			wait := bo.NextBackOff()
			log.Warn().Str("item", item.ID).Int("attempt", attempt).
				Dur("backoff", wait).Err(lastErr).Msg("Retrying download")
			select {
			case <-time.After(wait):
			case <-st.cancelled:
				item.Status = models.DownloadCancelled
				return cortexerr.New(cortexerr.KindCancelled, "download %s cancelled", item.ID)
			}
			item.Status = models.DownloadInProgress
		}

		// Every attempt announces itself, so observers can count retries.
		s.bus.PublishDownloadStarted(st.task)

		err := s.fetchOnce(st, item)
		if err == nil {
			item.Status = models.DownloadCompleted
			return nil
		}
		if cortexerr.Is(err, cortexerr.KindCancelled) {
			item.Status = models.DownloadCancelled
			return err
		}
		var re *retriableError
		if !asRetriable(err, &re) {
			item.Status = models.DownloadFailed
			item.Error = err.Error()
			return err
		}
		lastErr = err
	}

	item.Status = models.DownloadFailed
	item.Error = lastErr.Error()
	return cortexerr.Wrap(cortexerr.KindDownloadFailed, lastErr, "download %s exhausted retries", item.ID)
}

func asRetriable(err error, target **retriableError) bool {
	for e := err; e != nil; {
		if re, ok := e.(*retriableError); ok {
			*target = re
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// fetchOnce performs a single ranged attempt, resuming from the partial
// file's length when one exists.
func (s *Service) fetchOnce(st *taskState, item *models.DownloadItem) error {
	if err := os.MkdirAll(filepath.Dir(item.LocalPath), 0o755); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "create download dir")
	}

	var offset int64
	if fi, err := os.Stat(item.LocalPath); err == nil {
		offset = fi.Size()
	}
	if item.ExpectedBytes > 0 && offset > item.ExpectedBytes {
		// Partial is larger than the declared size; start over.
		os.Remove(item.LocalPath)
		offset = 0
	}

	req, err := http.NewRequest(http.MethodGet, item.DownloadURL, nil)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindBadRequest, err, "build request for %s", item.DownloadURL)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	if item.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+item.AuthToken)
	}

	client := &http.Client{} // per-chunk deadlines below; no global timeout
	resp, err := client.Do(req)
	if err != nil {
		return &retriableError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Server refuses our offset; discard the partial and fail this
		// attempt so the retry starts clean.
		os.Remove(item.LocalPath)
		return &retriableError{err: fmt.Errorf("range not satisfiable at offset %d", offset)}
	case resp.StatusCode == http.StatusOK && offset > 0:
		// Server ignored the range header; rewrite from scratch.
		os.Remove(item.LocalPath)
		offset = 0
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return &retriableError{err: fmt.Errorf("status %d from %s", resp.StatusCode, item.DownloadURL)}
	default:
		return cortexerr.New(cortexerr.KindDownloadFailed, "status %d from %s", resp.StatusCode, item.DownloadURL)
	}

	if item.ExpectedBytes == 0 && resp.ContentLength > 0 {
		item.ExpectedBytes = offset + resp.ContentLength
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(item.LocalPath, flags, 0o644)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "open %s", item.LocalPath)
	}
	defer out.Close()

	item.DownloadedBytes = offset
	if err := s.copyChunks(st, item, resp.Body, out); err != nil {
		return err
	}

	if item.ExpectedBytes > 0 && item.DownloadedBytes != item.ExpectedBytes {
		os.Remove(item.LocalPath)
		return cortexerr.New(cortexerr.KindDownloadFailed,
			"integrity mismatch for %s: got %d bytes, want %d",
			item.ID, item.DownloadedBytes, item.ExpectedBytes)
	}
	if item.Checksum != "" {
		if err := verifyChecksum(item.LocalPath, item.Checksum); err != nil {
			os.Remove(item.LocalPath)
			return err
		}
	}
	return nil
}

// copyChunks streams the body to disk, sampling progress and checking the
// cancel flag between chunks. Each read carries its own deadline.
func (s *Service) copyChunks(st *taskState, item *models.DownloadItem, body io.Reader, out *os.File) error {
	buf := make([]byte, copyBufSize)
	lastEvent := time.Now()
	lastBytes := item.DownloadedBytes

	type readResult struct {
		n   int
		err error
	}
	for {
		if st.isCancelled() {
			return cortexerr.New(cortexerr.KindCancelled, "download %s cancelled", item.ID)
		}

		resCh := make(chan readResult, 1)
		go func() {
			n, err := body.Read(buf)
			resCh <- readResult{n, err}
		}()

		var res readResult
		select {
		case res = <-resCh:
		case <-time.After(chunkTimeout):
			return &retriableError{err: fmt.Errorf("chunk read timed out after %s", chunkTimeout)}
		case <-st.cancelled:
			return cortexerr.New(cortexerr.KindCancelled, "download %s cancelled", item.ID)
		}

		if res.n > 0 {
			if _, werr := out.Write(buf[:res.n]); werr != nil {
				return cortexerr.Wrap(cortexerr.KindInternal, werr, "write %s", item.LocalPath)
			}
			item.DownloadedBytes += int64(res.n)
			metrics.DownloadBytesTotal.Add(float64(res.n))

			if time.Since(lastEvent) >= progressInterval ||
				item.DownloadedBytes-lastBytes >= progressBytes {
				s.bus.PublishDownloadProgress(st.task.ID, *item)
				lastEvent = time.Now()
				lastBytes = item.DownloadedBytes
			}
		}
		if res.err == io.EOF {
			s.bus.PublishDownloadProgress(st.task.ID, *item)
			return nil
		}
		if res.err != nil {
			if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
				return &retriableError{err: res.err}
			}
			return &retriableError{err: res.err}
		}
	}
}

func verifyChecksum(path, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "open for checksum")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "hash %s", path)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != wantHex {
		return cortexerr.New(cortexerr.KindDownloadFailed,
			"integrity mismatch for %s: sha256 %s, want %s", path, got, wantHex)
	}
	return nil
}
