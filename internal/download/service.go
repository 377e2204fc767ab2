// Package download implements the concurrent download service: a bounded
// worker pool pulling tasks from a FIFO queue, with resumable ranged
// fetches, retry with exponential backoff, cancellation, and progress
// events on the bus.
package download

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/metrics"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// FinishedFunc is invoked exactly once per task with its terminal state.
type FinishedFunc func(task models.DownloadTask, err error)

type queued struct {
	task       models.DownloadTask
	onFinished FinishedFunc
}

// Service owns the task table and the worker pool. Callers only ever see
// snapshots of tasks; mutation happens on worker goroutines.
type Service struct {
	bus *events.Bus

	mu      sync.Mutex
	queue   []queued
	active  map[string]*taskState
	wake    chan struct{}
	stopped bool

	workers int
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

type taskState struct {
	task      models.DownloadTask
	cancelled chan struct{}
	once      sync.Once
}

func (ts *taskState) cancel() {
	ts.once.Do(func() { close(ts.cancelled) })
}

func (ts *taskState) isCancelled() bool {
	select {
	case <-ts.cancelled:
		return true
	default:
		return false
	}
}

// NewService creates the service with the default pool size
// min(4, NumCPU) and starts its workers.
func NewService(bus *events.Bus) *Service {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	if workers < 1 {
		workers = 1
	}
	s := &Service{
		bus:     bus,
		active:  make(map[string]*taskState),
		wake:    make(chan struct{}, 64),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Info().Int("workers", workers).Msg("Download service started")
	return s
}

// Stop cancels all tasks and waits for workers to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, st := range s.active {
		st.cancel()
	}
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

// AddTask schedules a task asynchronously and returns its id. Task ids are
// caller-chosen; re-adding an id that is queued or running is rejected.
func (s *Service) AddTask(task models.DownloadTask, onFinished FinishedFunc) (string, error) {
	if len(task.Items) == 0 {
		return "", cortexerr.New(cortexerr.KindBadRequest, "task %s has no items", task.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", cortexerr.New(cortexerr.KindInternal, "download service stopped")
	}
	if _, busy := s.active[task.ID]; busy {
		return "", cortexerr.New(cortexerr.KindAlreadyExists, "task %s already in progress", task.ID)
	}
	for i := range s.queue {
		if s.queue[i].task.ID == task.ID {
			return "", cortexerr.New(cortexerr.KindAlreadyExists, "task %s already queued", task.ID)
		}
	}
	initTask(&task)
	s.queue = append(s.queue, queued{task: task, onFinished: onFinished})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// AddDownloadTask runs the task synchronously on the caller's goroutine,
// returning its terminal error.
func (s *Service) AddDownloadTask(ctx context.Context, task models.DownloadTask, onFinished FinishedFunc) error {
	if len(task.Items) == 0 {
		return cortexerr.New(cortexerr.KindBadRequest, "task %s has no items", task.ID)
	}
	initTask(&task)
	st := &taskState{task: task, cancelled: make(chan struct{})}
	s.mu.Lock()
	if _, busy := s.active[task.ID]; busy {
		s.mu.Unlock()
		return cortexerr.New(cortexerr.KindAlreadyExists, "task %s already in progress", task.ID)
	}
	s.active[task.ID] = st
	s.mu.Unlock()

	// Propagate caller cancellation to the shared cancel flag.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			st.cancel()
		case <-done:
		}
	}()

	err := s.runTask(st, onFinished)
	return err
}

// Cancel requests cancellation of a queued or running task.
func (s *Service) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[taskID]; ok {
		st.cancel()
		return nil
	}
	for i := range s.queue {
		if s.queue[i].task.ID == taskID {
			q := s.queue[i]
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			for j := range q.task.Items {
				q.task.Items[j].Status = models.DownloadCancelled
			}
			q.task.Status = models.DownloadCancelled
			go s.finish(q.task, q.onFinished,
				cortexerr.New(cortexerr.KindCancelled, "task %s cancelled before start", taskID))
			return nil
		}
	}
	return cortexerr.New(cortexerr.KindNotFound, "task %s not found", taskID)
}

// ActiveTasks returns snapshots of tasks currently running.
func (s *Service) ActiveTasks() []models.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DownloadTask, 0, len(s.active))
	for _, st := range s.active {
		out = append(out, st.task)
	}
	return out
}

func initTask(task *models.DownloadTask) {
	task.Status = models.DownloadPending
	for i := range task.Items {
		if task.Items[i].Status == "" {
			task.Items[i].Status = models.DownloadPending
		}
	}
}

// worker pulls from the FIFO queue until Stop.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var next *queued
		if len(s.queue) > 0 {
			q := s.queue[0]
			s.queue = s.queue[1:]
			next = &q
		}
		if next == nil {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return
			}
		}
		st := &taskState{task: next.task, cancelled: make(chan struct{})}
		s.active[next.task.ID] = st
		if len(s.queue) > 0 {
			// More work remains; nudge another idle worker.
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()

		if err := s.runTask(st, next.onFinished); err != nil {
			log.Debug().Int("worker", id).Str("task", next.task.ID).Err(err).Msg("Task finished with error")
		}
	}
}

// runTask executes items sequentially, publishes lifecycle events, and
// invokes onFinished exactly once.
func (s *Service) runTask(st *taskState, onFinished FinishedFunc) error {
	st.task.Status = models.DownloadInProgress
	metrics.DownloadTasksActive.Inc()
	defer metrics.DownloadTasksActive.Dec()

	var taskErr error
	for i := range st.task.Items {
		if st.isCancelled() {
			st.task.Items[i].Status = models.DownloadCancelled
			taskErr = cortexerr.New(cortexerr.KindCancelled, "task %s cancelled", st.task.ID)
			break
		}
		if err := s.fetchItem(st, &st.task.Items[i]); err != nil {
			taskErr = err
			break
		}
	}

	st.task.Status = st.task.Worst()
	s.mu.Lock()
	delete(s.active, st.task.ID)
	s.mu.Unlock()

	s.finish(st.task, onFinished, taskErr)
	return taskErr
}

func (s *Service) finish(task models.DownloadTask, onFinished FinishedFunc, err error) {
	s.bus.PublishDownloadFinished(task, err)
	if onFinished != nil {
		onFinished(task, err)
	}
}
