// Package enginetest provides a scripted in-memory engine for loader and
// dispatcher tests.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janhq/cortex/internal/engine"
)

// Fake implements engine.Engine with scripted token output.
type Fake struct {
	// Tokens are returned one per NextResult call; the final result
	// carries Stop.
	Tokens []string
	// TokenDelay is slept before each result, simulating generation.
	TokenDelay time.Duration
	// Parallel is the NParallel report; default 1.
	Parallel int
	// Vector is returned for embedding submissions.
	Vector []float64
	// SubmitErr fails SubmitCompletion when set.
	SubmitErr error

	nextID    atomic.Uint64
	mu        sync.Mutex
	tasks     map[uint64]*fakeTask
	cancelled []uint64
	loaded    bool

	slotPumps   atomic.Int64
	cacheClears atomic.Int64
}

type fakeTask struct {
	req    engine.CompletionRequest
	pos    int
	cancel atomic.Bool
}

// New returns a fake producing the given tokens.
func New(tokens ...string) *Fake {
	return &Fake{Tokens: tokens, tasks: make(map[uint64]*fakeTask)}
}

func (f *Fake) LoadModel(ctx context.Context, params engine.LoadModelParams) error {
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) UnloadModel(ctx context.Context) error {
	f.mu.Lock()
	f.loaded = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) IsSupported(name string) bool { return true }

func (f *Fake) SubmitCompletion(ctx context.Context, req engine.CompletionRequest) (uint64, error) {
	if f.SubmitErr != nil {
		return 0, f.SubmitErr
	}
	id := f.nextID.Add(1)
	f.mu.Lock()
	f.tasks[id] = &fakeTask{req: req}
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) NextResult(ctx context.Context, taskID uint64) (engine.Result, error) {
	f.mu.Lock()
	t := f.tasks[taskID]
	f.mu.Unlock()
	if t == nil {
		return engine.Result{}, context.Canceled
	}
	if f.TokenDelay > 0 {
		select {
		case <-time.After(f.TokenDelay):
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}
	if t.cancel.Load() {
		return engine.Result{TaskID: taskID, Stop: true}, nil
	}

	if t.req.Embedding {
		return engine.Result{TaskID: taskID, Stop: true, Embedding: f.Vector, PromptTokens: 1}, nil
	}

	if t.pos >= len(f.Tokens) {
		return engine.Result{TaskID: taskID, Stop: true}, nil
	}
	tok := f.Tokens[t.pos]
	t.pos++
	res := engine.Result{TaskID: taskID, Content: tok}
	if t.pos == len(f.Tokens) {
		// Last token and stop arrive in the same pull.
		res.Stop = true
	}
	return res, nil
}

func (f *Fake) Cancel(taskID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	if t := f.tasks[taskID]; t != nil {
		t.cancel.Store(true)
	}
}

func (f *Fake) UpdateSlots() {
	f.slotPumps.Add(1)
	time.Sleep(time.Millisecond)
}

func (f *Fake) GetModelStatus() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"model": "fake", "model_loaded": f.loaded}
}

func (f *Fake) KVCacheClear() { f.cacheClears.Add(1) }

func (f *Fake) NParallel() int {
	if f.Parallel > 0 {
		return f.Parallel
	}
	return 1
}

// Cancelled returns the task ids passed to Cancel.
func (f *Fake) Cancelled() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

// CacheClears reports KVCacheClear invocations.
func (f *Fake) CacheClears() int64 { return f.cacheClears.Load() }

// SlotPumps reports supervisor UpdateSlots invocations.
func (f *Fake) SlotPumps() int64 { return f.slotPumps.Load() }

var _ engine.Engine = (*Fake)(nil)
