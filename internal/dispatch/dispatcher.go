// Package dispatch turns OpenAI-shaped requests into engine task streams.
// It normalizes sampling parameters, formats prompts, borrows the engine
// handle for the request's lifetime, bridges pull-based engine results to
// SSE frames, and serializes requests for single-slot engines.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/internal/loader"
	"github.com/janhq/cortex/internal/metrics"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// Sampling defaults applied when the request leaves a field unset.
const (
	defaultTopP        = 0.95
	defaultTemperature = 0.8
	defaultMaxTokens   = 500
	defaultRepeatLastN = 32

	// slotPollInterval is the sleep between busy-flag checks on a
	// single-slot engine.
	slotPollInterval = 500 * time.Millisecond

	// defaultSlotDeadline bounds the wait; past it the request fails
	// with EngineBusy rather than hanging.
	defaultSlotDeadline = 120 * time.Second

	imEndToken = "<|im_end|>"
)

// familyGate serializes access to a single-slot engine.
type familyGate struct {
	mu   sync.Mutex
	busy bool

	reqCount int
}

// Dispatcher coordinates request → engine → response.
type Dispatcher struct {
	cfg    *config.Store
	loader *loader.Loader
	reg    *registry.Registry

	gatesMu sync.Mutex
	gates   map[string]*familyGate
}

// New builds the dispatcher.
func New(cfg *config.Store, ld *loader.Loader, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		loader: ld,
		reg:    reg,
		gates:  make(map[string]*familyGate),
	}
}

func (d *Dispatcher) gate(family string) *familyGate {
	d.gatesMu.Lock()
	defer d.gatesMu.Unlock()
	g, ok := d.gates[family]
	if !ok {
		g = &familyGate{}
		d.gates[family] = g
	}
	return g
}

// normalize builds the engine request from the wire request and config.
func (d *Dispatcher) normalize(req *models.ChatCompletionRequest, doc config.Document, multimodal bool) (engine.CompletionRequest, error) {
	f, err := formatPrompt(req.Messages, doc.PrePrompt, multimodal)
	if err != nil {
		return engine.CompletionRequest{}, err
	}

	out := engine.CompletionRequest{
		Prompt:      f.prompt,
		Images:      f.images,
		Stream:      req.Stream,
		NPredict:    defaultMaxTokens,
		TopP:        defaultTopP,
		Temperature: defaultTemperature,
		RepeatLastN: defaultRepeatLastN,
		Stop:        []string{doc.UserTurnMarker, imEndToken},
	}
	if req.MaxTokens != nil {
		out.NPredict = *req.MaxTokens
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.FrequencyPenalty != nil {
		out.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		out.PresencePenalty = *req.PresencePenalty
	}
	out.Stop = append(out.Stop, req.Stop...)
	return out, nil
}

// multimodal reports whether the family's default variant declares the
// multimodal capability.
func (d *Dispatcher) multimodal(family string) bool {
	def, err := d.reg.GetDefault(family)
	if err != nil {
		return false
	}
	installed, err := d.reg.InstalledVariants(family)
	if err != nil {
		return false
	}
	for _, iv := range installed {
		if iv.Name != def.Variant {
			continue
		}
		for _, c := range iv.Capabilities {
			if c == models.CapMultimodal {
				return true
			}
		}
	}
	return false
}

// acquireSlot waits for a single-slot engine to free up. Multi-slot
// engines pass straight through with a no-op release func; the release
// func is nil only when an error is returned.
func (d *Dispatcher) acquireSlot(ctx context.Context, family string, eng engine.Engine) (func(), error) {
	if eng.NParallel() > 1 {
		return func() {}, nil
	}
	g := d.gate(family)

	deadline := time.Now().Add(defaultSlotDeadline)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	for {
		g.mu.Lock()
		if !g.busy {
			g.busy = true
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				g.busy = false
				g.mu.Unlock()
			}, nil
		}
		g.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, cortexerr.New(cortexerr.KindEngineBusy,
				"engine %s is busy; timed out after %s", family, defaultSlotDeadline)
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, cortexerr.Wrap(cortexerr.KindEngineBusy, ctx.Err(),
					"engine %s is busy; caller deadline passed", family)
			}
			return nil, cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "waiting for engine slot")
		case <-time.After(slotPollInterval):
		}
	}
}

// cacheHint clears the engine KV cache every cleanCacheThreshold requests.
func (d *Dispatcher) cacheHint(family string, eng engine.Engine) {
	threshold := d.cfg.Get().CleanCacheThreshold
	if threshold <= 0 {
		return
	}
	g := d.gate(family)
	g.mu.Lock()
	g.reqCount++
	hit := g.reqCount%threshold == 0
	g.mu.Unlock()
	if hit {
		log.Debug().Str("engine", family).Msg("Clearing engine KV cache")
		eng.KVCacheClear()
	}
}

// StreamChatCompletion runs one streaming request, writing chunks to w.
// The context is the HTTP request context: client disconnect cancels the
// engine task within one poll interval.
func (d *Dispatcher) StreamChatCompletion(ctx context.Context, family string, req *models.ChatCompletionRequest, w StreamWriter) error {
	borrowed, err := d.loader.Borrow(family)
	if err != nil {
		return err
	}
	defer borrowed.Release()
	eng := borrowed.Engine

	release, err := d.acquireSlot(ctx, family, eng)
	if err != nil {
		return err
	}
	defer release()

	ereq, err := d.normalize(req, d.cfg.Get(), d.multimodal(family))
	if err != nil {
		return err
	}
	ereq.Stream = true

	taskID, err := eng.SubmitCompletion(ctx, ereq)
	if err != nil {
		metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
		return cortexerr.Wrap(cortexerr.KindEngineError, err, "submit completion")
	}

	chunkID := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()
	tokens := 0

	for {
		res, err := eng.NextResult(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				eng.Cancel(taskID)
				metrics.InferenceRequestsTotal.WithLabelValues(family, "cancelled").Inc()
				return cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "client disconnected")
			}
			metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
			return cortexerr.Wrap(cortexerr.KindEngineError, err, "next result")
		}
		if res.Err != nil {
			metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
			return cortexerr.Wrap(cortexerr.KindEngineError, res.Err, "engine task %d", taskID)
		}

		// A result can carry both trailing content and the stop marker;
		// they go out as separate frames.
		if res.Content != "" {
			tokens++
			if err := w.WriteChunk(models.ChatCompletionChunk{
				ID:      chunkID,
				Model:   req.Model,
				Created: created,
				Object:  "chat.completion.chunk",
				Choices: []models.ChunkChoice{{
					Delta: models.ChunkDelta{Content: res.Content},
				}},
			}); err != nil {
				eng.Cancel(taskID)
				metrics.InferenceRequestsTotal.WithLabelValues(family, "cancelled").Inc()
				return cortexerr.Wrap(cortexerr.KindCancelled, err, "write chunk")
			}
		}
		if res.Stop {
			stop := "stop"
			if err := w.WriteChunk(models.ChatCompletionChunk{
				ID:      chunkID,
				Model:   req.Model,
				Created: created,
				Object:  "chat.completion.chunk",
				Choices: []models.ChunkChoice{{
					Delta:        models.ChunkDelta{},
					FinishReason: &stop,
				}},
			}); err != nil {
				return cortexerr.Wrap(cortexerr.KindCancelled, err, "write stop chunk")
			}
			break
		}

		select {
		case <-ctx.Done():
			eng.Cancel(taskID)
			metrics.InferenceRequestsTotal.WithLabelValues(family, "cancelled").Inc()
			return cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "client disconnected")
		default:
		}
	}

	metrics.InferenceRequestsTotal.WithLabelValues(family, "ok").Inc()
	metrics.InferenceTokensTotal.WithLabelValues(family).Add(float64(tokens))
	d.cacheHint(family, eng)
	return w.WriteDone()
}

// ChatCompletion runs one non-streaming request and accumulates the
// result with usage counts.
func (d *Dispatcher) ChatCompletion(ctx context.Context, family string, req *models.ChatCompletionRequest) (*models.ChatCompletion, error) {
	borrowed, err := d.loader.Borrow(family)
	if err != nil {
		return nil, err
	}
	defer borrowed.Release()
	eng := borrowed.Engine

	release, err := d.acquireSlot(ctx, family, eng)
	if err != nil {
		return nil, err
	}
	defer release()

	ereq, err := d.normalize(req, d.cfg.Get(), d.multimodal(family))
	if err != nil {
		return nil, err
	}
	ereq.Stream = false

	taskID, err := eng.SubmitCompletion(ctx, ereq)
	if err != nil {
		metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
		return nil, cortexerr.Wrap(cortexerr.KindEngineError, err, "submit completion")
	}

	var content string
	var usage models.Usage
	for {
		res, err := eng.NextResult(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				eng.Cancel(taskID)
				return nil, cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "client disconnected")
			}
			metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
			return nil, cortexerr.Wrap(cortexerr.KindEngineError, err, "next result")
		}
		if res.Err != nil {
			metrics.InferenceRequestsTotal.WithLabelValues(family, "error").Inc()
			return nil, cortexerr.Wrap(cortexerr.KindEngineError, res.Err, "engine task %d", taskID)
		}
		if res.Content != "" {
			content += res.Content
			usage.CompletionTokens++
		}
		if res.PromptTokens > 0 {
			usage.PromptTokens = res.PromptTokens
		}
		if res.CompletionTokens > 0 {
			usage.CompletionTokens = res.CompletionTokens
		}
		if res.Stop {
			break
		}
	}

	if usage.PromptTokens == 0 {
		usage.PromptTokens = estimateTokens(ereq.Prompt)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	metrics.InferenceRequestsTotal.WithLabelValues(family, "ok").Inc()
	metrics.InferenceTokensTotal.WithLabelValues(family).Add(float64(usage.CompletionTokens))
	d.cacheHint(family, eng)

	return &models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Model:   req.Model,
		Created: time.Now().Unix(),
		Object:  "chat.completion",
		Choices: []models.CompletionChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}, nil
}

// Embeddings submits each input with n_predict=0 and embedding=true.
// Single-slot engines get the inputs sequentially; multi-slot engines get
// them concurrently.
func (d *Dispatcher) Embeddings(ctx context.Context, family string, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	inputs, err := embeddingInputs(req.Input)
	if err != nil {
		return nil, err
	}

	borrowed, err := d.loader.Borrow(family)
	if err != nil {
		return nil, err
	}
	defer borrowed.Release()
	eng := borrowed.Engine

	resp := &models.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data:   make([]models.Embedding, len(inputs)),
	}

	embedOne := func(i int, text string) error {
		vec, tokens, err := d.embedOne(ctx, family, eng, text)
		if err != nil {
			return err
		}
		resp.Data[i] = models.Embedding{Object: "embedding", Index: i, Embedding: vec}
		resp.Usage.PromptTokens += tokens
		return nil
	}

	if eng.NParallel() > 1 {
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for i, text := range inputs {
			i, text := i, text
			g.Go(func() error {
				vec, tokens, err := d.embedOne(gctx, family, eng, text)
				if err != nil {
					return err
				}
				mu.Lock()
				resp.Data[i] = models.Embedding{Object: "embedding", Index: i, Embedding: vec}
				resp.Usage.PromptTokens += tokens
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, text := range inputs {
			release, err := d.acquireSlot(ctx, family, eng)
			if err != nil {
				return nil, err
			}
			err = embedOne(i, text)
			release()
			if err != nil {
				return nil, err
			}
		}
	}

	resp.Usage.TotalTokens = resp.Usage.PromptTokens
	return resp, nil
}

func (d *Dispatcher) embedOne(ctx context.Context, family string, eng engine.Engine, text string) ([]float64, int, error) {
	taskID, err := eng.SubmitCompletion(ctx, engine.CompletionRequest{
		Prompt:    text,
		NPredict:  0,
		Embedding: true,
	})
	if err != nil {
		return nil, 0, cortexerr.Wrap(cortexerr.KindEngineError, err, "submit embedding")
	}
	for {
		res, err := eng.NextResult(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				eng.Cancel(taskID)
				return nil, 0, cortexerr.Wrap(cortexerr.KindCancelled, ctx.Err(), "embedding cancelled")
			}
			return nil, 0, cortexerr.Wrap(cortexerr.KindEngineError, err, "next embedding result")
		}
		if res.Err != nil {
			return nil, 0, cortexerr.Wrap(cortexerr.KindEngineError, res.Err, "engine task %d", taskID)
		}
		if res.Embedding != nil || res.Stop {
			tokens := res.PromptTokens
			if tokens == 0 {
				tokens = estimateTokens(text)
			}
			return res.Embedding, tokens, nil
		}
	}
}

// embeddingInputs accepts a string or array of strings.
func embeddingInputs(input any) ([]string, error) {
	switch v := input.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, cortexerr.New(cortexerr.KindBadRequest, "embedding input must be strings")
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, cortexerr.New(cortexerr.KindBadRequest, "embedding input is empty")
		}
		return out, nil
	default:
		return nil, cortexerr.New(cortexerr.KindBadRequest, "embedding input must be a string or array of strings")
	}
}
