package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	svc := NewService(bus)
	t.Cleanup(svc.Stop)
	return svc, bus
}

func waitFinished(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestAddTaskDownloadsFile(t *testing.T) {
	payload := strings.Repeat("cortex", 1000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	dest := filepath.Join(t.TempDir(), "artifact.bin")

	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID:    "t1",
		Type:  models.DownloadTypeModel,
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: dest}},
	}, func(task models.DownloadTask, err error) {
		assert.Equal(t, models.DownloadCompleted, task.Status)
		done <- err
	})
	require.NoError(t, err)
	require.NoError(t, waitFinished(t, done))

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(raw))
}

func TestRetryAfterServerErrors(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok after retries"))
	}))
	defer ts.Close()

	svc, bus := newTestService(t)
	sub := bus.Subscribe(models.EventDownloadStarted, models.EventDownloadFinished)
	defer bus.Unsubscribe(sub)

	dest := filepath.Join(t.TempDir(), "retry.bin")
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID:    "retry-task",
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: dest}},
	}, func(task models.DownloadTask, err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitFinished(t, done))
	assert.EqualValues(t, 3, attempts.Load())

	started := 0
	finishedOK := false
	deadline := time.After(2 * time.Second)
	for !finishedOK {
		select {
		case evt := <-sub.C:
			switch evt.Type {
			case models.EventDownloadStarted:
				started++
			case models.EventDownloadFinished:
				finishedOK = evt.Payload.(models.DownloadFinishedPayload).Success
			}
		case <-deadline:
			t.Fatal("missing finished event")
		}
	}
	assert.Equal(t, 3, started)
}

func TestNonRetriableStatusFailsFast(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID:    "forbidden",
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: filepath.Join(t.TempDir(), "x")}},
	}, func(task models.DownloadTask, err error) { done <- err })
	require.NoError(t, err)

	err = waitFinished(t, done)
	assert.True(t, cortexerr.Is(err, cortexerr.KindDownloadFailed))
	assert.EqualValues(t, 1, attempts.Load())
}

func TestResumeUsesRangeHeader(t *testing.T) {
	full := "0123456789abcdef"
	var sawRange atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			sawRange.Store(rng)
			w.Header().Set("Content-Range", "bytes 8-15/16")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(full[8:]))
			return
		}
		w.Write([]byte(full))
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "partial.bin")
	require.NoError(t, os.WriteFile(dest, []byte(full[:8]), 0o644))

	svc, _ := newTestService(t)
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID: "resume",
		Items: []models.DownloadItem{{
			ID: "i1", DownloadURL: ts.URL, LocalPath: dest, ExpectedBytes: int64(len(full)),
		}},
	}, func(task models.DownloadTask, err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitFinished(t, done))

	assert.Equal(t, "bytes=8-", sawRange.Load())
	raw, _ := os.ReadFile(dest)
	assert.Equal(t, full, string(raw))
}

func TestCancelRetainsPartialFile(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", 1024)))
		w.(http.Flusher).Flush()
		once.Do(func() { close(release) })
		<-r.Context().Done()
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	dest := filepath.Join(t.TempDir(), "cancelled.bin")
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID:    "cancel-me",
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: dest}},
	}, func(task models.DownloadTask, err error) {
		assert.Equal(t, models.DownloadCancelled, task.Items[0].Status)
		done <- err
	})
	require.NoError(t, err)

	<-release
	// The worker checks the cancel flag before every read; cancel only once
	// the first chunk has reached the file.
	require.Eventually(t, func() bool {
		fi, err := os.Stat(dest)
		return err == nil && fi.Size() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.Cancel("cancel-me"))

	err = waitFinished(t, done)
	assert.True(t, cortexerr.Is(err, cortexerr.KindCancelled))

	fi, serr := os.Stat(dest)
	require.NoError(t, serr)
	assert.Positive(t, fi.Size())
}

func TestIntegritySizeMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID: "integrity",
		Items: []models.DownloadItem{{
			ID: "i1", DownloadURL: ts.URL,
			LocalPath:     filepath.Join(t.TempDir(), "y"),
			ExpectedBytes: 9999,
		}},
	}, func(task models.DownloadTask, err error) { done <- err })
	require.NoError(t, err)

	err = waitFinished(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")
}

func TestAuthTokenSentAsBearer(t *testing.T) {
	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte("gated"))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	done := make(chan error, 1)
	_, err := svc.AddTask(models.DownloadTask{
		ID: "gated",
		Items: []models.DownloadItem{{
			ID: "i1", DownloadURL: ts.URL,
			LocalPath: filepath.Join(t.TempDir(), "gated.bin"),
			AuthToken: "hf_secret",
		}},
	}, func(task models.DownloadTask, err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitFinished(t, done))

	assert.Equal(t, "Bearer hf_secret", gotAuth.Load())
}

func TestSynchronousAddDownloadTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("sync"))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	dest := filepath.Join(t.TempDir(), "sync.bin")
	err := svc.AddDownloadTask(context.Background(), models.DownloadTask{
		ID:    "sync-task",
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: dest}},
	}, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "sync", string(raw))
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	svc, _ := newTestService(t)
	task := models.DownloadTask{
		ID:    "dup",
		Items: []models.DownloadItem{{ID: "i1", DownloadURL: ts.URL, LocalPath: filepath.Join(t.TempDir(), "z")}},
	}
	_, err := svc.AddTask(task, nil)
	require.NoError(t, err)

	// Give a worker time to pick it up, then collide.
	time.Sleep(100 * time.Millisecond)
	_, err = svc.AddTask(task, nil)
	assert.True(t, cortexerr.Is(err, cortexerr.KindAlreadyExists))
}
