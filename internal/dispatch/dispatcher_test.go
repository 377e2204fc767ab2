package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/download"
	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/internal/engine/enginetest"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/loader"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// recorder collects stream frames for assertions.
type recorder struct {
	mu     sync.Mutex
	chunks []models.ChatCompletionChunk
	done   bool
	errs   []models.APIError

	// onChunk, when set, observes each chunk as it lands.
	onChunk func(models.ChatCompletionChunk)
}

func (r *recorder) WriteChunk(c models.ChatCompletionChunk) error {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	cb := r.onChunk
	r.mu.Unlock()
	if cb != nil {
		cb(c)
	}
	return nil
}

func (r *recorder) WriteDone() error {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) WriteError(e models.APIError) error {
	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() ([]models.ChatCompletionChunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatCompletionChunk, len(r.chunks))
	copy(out, r.chunks)
	return out, r.done
}

type fixture struct {
	d    *Dispatcher
	fake *enginetest.Fake
	cfg  *config.Store
}

func newFixture(t *testing.T, fake *enginetest.Fake) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(dir, config.Overrides{DataDir: dir})
	require.NoError(t, cfg.Load())

	entities, err := store.Open(filepath.Join(dir, "cortex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { entities.Close() })

	bus := events.NewBus()
	dls := download.NewService(bus)
	t.Cleanup(dls.Stop)

	host := models.HostDescriptor{OS: "linux", Arch: "amd64", Flags: []string{"avx2"}}
	reg := registry.New(cfg, entities, dls, bus, registry.NewReleaseClient(""), host)

	// Fabricate a default install so the registry resolves the variant.
	installDir := filepath.Join(cfg.Get().EnginesDir(), registry.FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")
	require.NoError(t, os.MkdirAll(installDir, 0o755))
	manifest := "name: linux-amd64-avx2\nversion: 0.1.40\ncapabilities: [chat, embedding]\n"
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "version.txt"), []byte(manifest), 0o644))
	require.NoError(t, cfg.Update(func(d *config.Document) {
		d.LlamacppVersion = "v0.1.40"
		d.LlamacppVariant = "linux-amd64-avx2"
	}))

	ld := loader.New(cfg, reg, entities, bus)
	ld.SetOpenLib(func(dir string) (engine.Engine, error) { return fake, nil })
	reg.SetUnloader(ld)
	require.NoError(t, ld.Load(registry.FamilyLlamaCpp))
	t.Cleanup(ld.Shutdown)

	return &fixture{d: New(cfg, ld, reg), fake: fake, cfg: cfg}
}

func userRequest(stream bool, maxTokens int) *models.ChatCompletionRequest {
	return &models.ChatCompletionRequest{
		Model:     "m",
		Stream:    stream,
		MaxTokens: &maxTokens,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "Hi"}},
	}
}

func TestStreamingHappyPath(t *testing.T) {
	f := newFixture(t, enginetest.New("Hel", "lo"))
	rec := &recorder{}

	err := f.d.StreamChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(true, 2), rec)
	require.NoError(t, err)

	chunks, done := rec.snapshot()
	require.True(t, done, "expected data: [DONE]")
	require.GreaterOrEqual(t, len(chunks), 2)

	// At least one content chunk, then a finish_reason chunk.
	assert.Equal(t, "Hel", chunks[0].Choices[0].Delta.Content)
	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	for _, c := range chunks {
		assert.Equal(t, "chat.completion.chunk", c.Object)
	}
}

func TestContentAndStopEmitSeparateFrames(t *testing.T) {
	// The fake delivers its last token with Stop set in the same result;
	// the stream must still emit the content frame and the stop frame
	// separately.
	f := newFixture(t, enginetest.New("only"))
	rec := &recorder{}

	require.NoError(t, f.d.StreamChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(true, 5), rec))

	chunks, _ := rec.snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, "only", chunks[0].Choices[0].Delta.Content)
	assert.Nil(t, chunks[0].Choices[0].FinishReason)
	assert.Empty(t, chunks[1].Choices[0].Delta.Content)
	require.NotNil(t, chunks[1].Choices[0].FinishReason)
}

func TestNonStreamingUsage(t *testing.T) {
	f := newFixture(t, enginetest.New("a", "b"))

	resp, err := f.d.ChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(false, 2))
	require.NoError(t, err)

	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "ab", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.GreaterOrEqual(t, resp.Usage.PromptTokens, 1)
	assert.LessOrEqual(t, resp.Usage.CompletionTokens, 2)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestSingleSlotGatingSerializes(t *testing.T) {
	fake := enginetest.New("tok1", "tok2", "tok3")
	fake.TokenDelay = 30 * time.Millisecond
	f := newFixture(t, fake)

	type event struct {
		stream int
		final  bool
	}
	var mu sync.Mutex
	var order []event

	run := func(id int) *recorder {
		rec := &recorder{}
		rec.onChunk = func(c models.ChatCompletionChunk) {
			mu.Lock()
			order = append(order, event{stream: id, final: c.Choices[0].FinishReason != nil})
			mu.Unlock()
		}
		return rec
	}

	var wg sync.WaitGroup
	recs := []*recorder{run(1), run(2)}
	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *recorder) {
			defer wg.Done()
			err := f.d.StreamChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(true, 3), rec)
			assert.NoError(t, err)
		}(i, rec)
		time.Sleep(10 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	// No interleaving: once the second stream's first chunk appears, the
	// first stream must already have finished.
	mu.Lock()
	defer mu.Unlock()
	firstOfSecond := -1
	lastOfFirst := -1
	for i, e := range order {
		if e.stream == order[0].stream {
			lastOfFirst = i
		} else if firstOfSecond == -1 {
			firstOfSecond = i
		}
	}
	require.NotEqual(t, -1, firstOfSecond)
	assert.Less(t, lastOfFirst, firstOfSecond, "chunk order: %v", order)
}

func TestCancelMidStream(t *testing.T) {
	fake := enginetest.New("t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8")
	fake.TokenDelay = 100 * time.Millisecond
	f := newFixture(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- f.d.StreamChatCompletion(ctx, registry.FamilyLlamaCpp, userRequest(true, 8), rec)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, cortexerr.Is(err, cortexerr.KindCancelled))
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate within 1s of cancel")
	}
	assert.NotEmpty(t, fake.Cancelled(), "engine Cancel must be observed")

	// The slot is free again: a fresh request succeeds immediately.
	fake.TokenDelay = 0
	rec2 := &recorder{}
	require.NoError(t, f.d.StreamChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(true, 2), rec2))
}

func TestEmbeddingsArray(t *testing.T) {
	fake := enginetest.New()
	fake.Vector = []float64{0.1, 0.2, 0.3}
	f := newFixture(t, fake)

	resp, err := f.d.Embeddings(context.Background(), registry.FamilyLlamaCpp, &models.EmbeddingRequest{
		Model: "m",
		Input: []any{"a", "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 2)
	for i, d := range resp.Data {
		assert.Equal(t, i, d.Index)
		assert.Len(t, d.Embedding, 3)
	}
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestEmbeddingsBadInput(t *testing.T) {
	f := newFixture(t, enginetest.New())
	_, err := f.d.Embeddings(context.Background(), registry.FamilyLlamaCpp, &models.EmbeddingRequest{Input: 42})
	assert.True(t, cortexerr.Is(err, cortexerr.KindBadRequest))
}

func TestCacheHintClearsEveryThreshold(t *testing.T) {
	fake := enginetest.New("x")
	f := newFixture(t, fake)
	require.NoError(t, f.cfg.Update(func(d *config.Document) { d.CleanCacheThreshold = 2 }))

	for i := 0; i < 4; i++ {
		// The fake yields its single token with Stop set in the same pull.
		_, err := f.d.ChatCompletion(context.Background(), registry.FamilyLlamaCpp, userRequest(false, 1))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, fake.CacheClears())
}

func TestNormalizeDefaults(t *testing.T) {
	f := newFixture(t, enginetest.New())
	req := &models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}
	ereq, err := f.d.normalize(req, f.cfg.Get(), false)
	require.NoError(t, err)

	assert.Equal(t, defaultMaxTokens, ereq.NPredict)
	assert.Equal(t, defaultTopP, ereq.TopP)
	assert.Equal(t, defaultTemperature, ereq.Temperature)
	assert.Equal(t, defaultRepeatLastN, ereq.RepeatLastN)
	assert.Contains(t, ereq.Stop, imEndToken)
	assert.Contains(t, ereq.Stop, f.cfg.Get().UserTurnMarker)
	assert.Contains(t, ereq.Prompt, "user: hi")
	assert.Contains(t, ereq.Prompt, "assistant:")
}
