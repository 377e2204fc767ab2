// Package remote adapts cloud chat APIs to the engine capability table.
// A remote engine opens no shared library; SubmitCompletion runs the HTTPS
// exchange on a goroutine and NextResult pulls from a per-task queue, so
// the dispatcher drives remote and local engines identically.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/pkg/cortexerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Flavors supported by the adapter.
const (
	FlavorOpenAI    = "openai"
	FlavorAnthropic = "anthropic"
)

// Default endpoints per flavor.
const (
	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"
)

type task struct {
	results chan engine.Result
	cancel  context.CancelFunc
}

// Adapter implements engine.Engine against a remote chat API.
type Adapter struct {
	flavor  string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client

	nextID atomic.Uint64
	mu     sync.Mutex
	tasks  map[uint64]*task
}

// New creates an adapter for the given flavor. baseURL falls back to the
// flavor's public endpoint.
func New(flavor, baseURL, apiKey, model string) *Adapter {
	if baseURL == "" {
		if flavor == FlavorAnthropic {
			baseURL = anthropicBaseURL
		} else {
			baseURL = openAIBaseURL
		}
	}
	return &Adapter{
		flavor:  flavor,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		tasks:   make(map[uint64]*task),
	}
}

// LoadModel is a no-op for remote engines beyond credential presence.
func (a *Adapter) LoadModel(ctx context.Context, params engine.LoadModelParams) error {
	if a.apiKey == "" {
		return cortexerr.New(cortexerr.KindLoadFailed, "remote engine %s has no API key configured", a.flavor)
	}
	if params.ModelAlias != "" {
		a.model = params.ModelAlias
	}
	return nil
}

func (a *Adapter) UnloadModel(ctx context.Context) error { return nil }

func (a *Adapter) IsSupported(name string) bool {
	switch name {
	case "SubmitCompletion", "NextResult", "Cancel", "GetModelStatus":
		return true
	}
	return false
}

func (a *Adapter) SubmitCompletion(ctx context.Context, req engine.CompletionRequest) (uint64, error) {
	id := a.nextID.Add(1)
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{results: make(chan engine.Result, 32), cancel: cancel}

	a.mu.Lock()
	a.tasks[id] = t
	a.mu.Unlock()

	go a.run(runCtx, id, t, req)
	return id, nil
}

func (a *Adapter) NextResult(ctx context.Context, taskID uint64) (engine.Result, error) {
	a.mu.Lock()
	t, ok := a.tasks[taskID]
	a.mu.Unlock()
	if !ok {
		return engine.Result{}, cortexerr.New(cortexerr.KindNotFound, "task %d not found", taskID)
	}
	select {
	case res, open := <-t.results:
		if !open {
			return engine.Result{TaskID: taskID, Stop: true}, nil
		}
		if res.Stop {
			a.drop(taskID)
		}
		return res, nil
	case <-ctx.Done():
		return engine.Result{}, cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "next result for task %d", taskID)
	}
}

func (a *Adapter) Cancel(taskID uint64) {
	a.mu.Lock()
	t, ok := a.tasks[taskID]
	a.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (a *Adapter) UpdateSlots() {}

func (a *Adapter) GetModelStatus() map[string]any {
	return map[string]any{
		"model":       a.model,
		"engine_type": "remote",
		"flavor":      a.flavor,
	}
}

func (a *Adapter) KVCacheClear() {}

// NParallel is effectively unbounded for a remote API; the dispatcher
// submits concurrently.
func (a *Adapter) NParallel() int { return 8 }

func (a *Adapter) drop(taskID uint64) {
	a.mu.Lock()
	delete(a.tasks, taskID)
	a.mu.Unlock()
}

// run performs the HTTPS exchange and feeds the task queue. The final
// result always has Stop set; errors are attached to that final result.
func (a *Adapter) run(ctx context.Context, id uint64, t *task, req engine.CompletionRequest) {
	defer close(t.results)

	var err error
	if req.Stream {
		err = a.stream(ctx, id, t, req)
	} else {
		err = a.complete(ctx, id, t, req)
	}
	if err != nil {
		log.Warn().Uint64("task", id).Str("flavor", a.flavor).Err(err).Msg("Remote completion failed")
		t.results <- engine.Result{TaskID: id, Stop: true, Err: err}
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *Adapter) buildBody(req engine.CompletionRequest, stream bool) ([]byte, error) {
	if a.flavor == FlavorAnthropic {
		body := map[string]any{
			"model":       a.model,
			"max_tokens":  req.NPredict,
			"temperature": req.Temperature,
			"top_p":       req.TopP,
			"stream":      stream,
			"messages":    []wireMessage{{Role: "user", Content: req.Prompt}},
		}
		return json.Marshal(body)
	}
	body := map[string]any{
		"model":             a.model,
		"max_tokens":        req.NPredict,
		"temperature":       req.Temperature,
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
		"stream":            stream,
		"stop":              req.Stop,
		"messages":          []wireMessage{{Role: "user", Content: req.Prompt}},
	}
	return json.Marshal(body)
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	var url string
	if a.flavor == FlavorAnthropic {
		url = a.baseURL + "/messages"
	} else {
		url = a.baseURL + "/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.flavor == FlavorAnthropic {
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return httpReq, nil
}

func (a *Adapter) complete(ctx context.Context, id uint64, t *task, req engine.CompletionRequest) error {
	body, err := a.buildBody(req, false)
	if err != nil {
		return err
	}
	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindEngineError, err, "%s request", a.flavor)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cortexerr.New(cortexerr.KindEngineError, "%s: status %d: %s", a.flavor, resp.StatusCode, string(msg))
	}

	content, usage, err := a.parseCompletion(resp.Body)
	if err != nil {
		return err
	}
	t.results <- engine.Result{TaskID: id, Content: content, PromptTokens: usage[0], CompletionTokens: usage[1]}
	t.results <- engine.Result{TaskID: id, Stop: true, PromptTokens: usage[0], CompletionTokens: usage[1]}
	return nil
}

func (a *Adapter) parseCompletion(r io.Reader) (string, [2]int, error) {
	if a.flavor == FlavorAnthropic {
		var out struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return "", [2]int{}, cortexerr.Wrap(cortexerr.KindEngineError, err, "decode anthropic response")
		}
		var sb strings.Builder
		for _, c := range out.Content {
			if c.Type == "text" {
				sb.WriteString(c.Text)
			}
		}
		return sb.String(), [2]int{out.Usage.InputTokens, out.Usage.OutputTokens}, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", [2]int{}, cortexerr.Wrap(cortexerr.KindEngineError, err, "decode openai response")
	}
	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	return content, [2]int{out.Usage.PromptTokens, out.Usage.CompletionTokens}, nil
}

// stream reads the provider's SSE stream and forwards each text delta as
// one result.
func (a *Adapter) stream(ctx context.Context, id uint64, t *task, req engine.CompletionRequest) error {
	body, err := a.buildBody(req, true)
	if err != nil {
		return err
	}
	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindEngineError, err, "%s stream request", a.flavor)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cortexerr.New(cortexerr.KindEngineError, "%s: status %d: %s", a.flavor, resp.StatusCode, string(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		delta, done := a.parseStreamEvent(data)
		if delta != "" {
			select {
			case t.results <- engine.Result{TaskID: id, Content: delta}:
			case <-ctx.Done():
				return cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "stream cancelled")
			}
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return cortexerr.Wrap(cortexerr.KindEngineError, err, "read %s stream", a.flavor)
	}
	t.results <- engine.Result{TaskID: id, Stop: true}
	return nil
}

// parseStreamEvent extracts the text delta from one SSE data payload.
func (a *Adapter) parseStreamEvent(data string) (delta string, done bool) {
	if a.flavor == FlavorAnthropic {
		var evt struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.UnmarshalFromString(data, &evt); err != nil {
			return "", false
		}
		switch evt.Type {
		case "content_block_delta":
			return evt.Delta.Text, false
		case "message_stop":
			return "", true
		}
		return "", false
	}

	var evt struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.UnmarshalFromString(data, &evt); err != nil {
		return "", false
	}
	if len(evt.Choices) == 0 {
		return "", false
	}
	if evt.Choices[0].FinishReason != nil {
		return evt.Choices[0].Delta.Content, true
	}
	return evt.Choices[0].Delta.Content, false
}

var _ engine.Engine = (*Adapter)(nil)
