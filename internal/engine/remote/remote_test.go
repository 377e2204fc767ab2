package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/pkg/cortexerr"
)

func collect(t *testing.T, a *Adapter, taskID uint64) (string, bool) {
	t.Helper()
	var content string
	for i := 0; i < 100; i++ {
		res, err := a.NextResult(context.Background(), taskID)
		require.NoError(t, err)
		if res.Err != nil {
			return content, false
		}
		content += res.Content
		if res.Stop {
			return content, true
		}
	}
	t.Fatal("stream never stopped")
	return "", false
}

func TestOpenAICompletion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "Hi there"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2}
		}`)
	}))
	defer ts.Close()

	a := New(FlavorOpenAI, ts.URL, "sk-test", "gpt-4o-mini")
	id, err := a.SubmitCompletion(context.Background(), engine.CompletionRequest{Prompt: "Hi", NPredict: 10})
	require.NoError(t, err)

	content, ok := collect(t, a, id)
	assert.True(t, ok)
	assert.Equal(t, "Hi there", content)
}

func TestOpenAIStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	a := New(FlavorOpenAI, ts.URL, "sk-test", "gpt-4o-mini")
	id, err := a.SubmitCompletion(context.Background(), engine.CompletionRequest{Prompt: "Hi", Stream: true, NPredict: 10})
	require.NoError(t, err)

	content, ok := collect(t, a, id)
	assert.True(t, ok)
	assert.Equal(t, "Hello", content)
}

func TestAnthropicCompletion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		fmt.Fprint(w, `{
			"content": [{"type": "text", "text": "Bonjour"}],
			"usage": {"input_tokens": 3, "output_tokens": 1}
		}`)
	}))
	defer ts.Close()

	a := New(FlavorAnthropic, ts.URL, "sk-ant", "claude-3-5-haiku")
	id, err := a.SubmitCompletion(context.Background(), engine.CompletionRequest{Prompt: "Hi", NPredict: 10})
	require.NoError(t, err)

	content, ok := collect(t, a, id)
	assert.True(t, ok)
	assert.Equal(t, "Bonjour", content)
}

func TestServerErrorSurfacesOnFinalResult(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := New(FlavorOpenAI, ts.URL, "sk-test", "gpt-4o-mini")
	id, err := a.SubmitCompletion(context.Background(), engine.CompletionRequest{Prompt: "Hi"})
	require.NoError(t, err)

	res, err := a.NextResult(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Stop)
	require.Error(t, res.Err)
	assert.True(t, cortexerr.Is(res.Err, cortexerr.KindEngineError))
}

func TestLoadModelRequiresAPIKey(t *testing.T) {
	a := New(FlavorOpenAI, "", "", "")
	err := a.LoadModel(context.Background(), engine.LoadModelParams{})
	assert.True(t, cortexerr.Is(err, cortexerr.KindLoadFailed))
}

func TestCancelAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer ts.Close()

	a := New(FlavorOpenAI, ts.URL, "sk-test", "gpt-4o-mini")
	id, err := a.SubmitCompletion(context.Background(), engine.CompletionRequest{Prompt: "Hi"})
	require.NoError(t, err)

	<-started
	a.Cancel(id)

	res, err := a.NextResult(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Stop)
	require.Error(t, res.Err)
}
