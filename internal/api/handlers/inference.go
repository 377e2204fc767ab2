package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/dispatch"
	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// resolveFamily picks the engine family serving a request: the single
// loaded family, or, when several are loaded, llama-cpp if it is one of
// them and otherwise the first family LoadedFamilies reports.
func (h *Handlers) resolveFamily() (string, error) {
	loaded := h.Loader.LoadedFamilies()
	switch len(loaded) {
	case 0:
		return "", cortexerr.New(cortexerr.KindNotFound, "no engine is loaded; load one first")
	case 1:
		return loaded[0], nil
	default:
		for _, f := range loaded {
			if f == registry.FamilyLlamaCpp {
				return f, nil
			}
		}
		return loaded[0], nil
	}
}

// ChatCompletions serves POST /v1/chat/completions, streaming or not.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, cortexerr.New(cortexerr.KindBadRequest, "messages is required"))
		return
	}

	family, err := h.resolveFamily()
	if err != nil {
		respondError(w, err)
		return
	}

	if !req.Stream {
		resp, err := h.Dispatcher.ChatCompletion(r.Context(), family, &req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	sse := dispatch.NewSSEWriter(w)
	if err := h.Dispatcher.StreamChatCompletion(r.Context(), family, &req, sse); err != nil {
		// Headers are already out; the best we can do is a final error
		// frame before the stream closes.
		if !cortexerr.Is(err, cortexerr.KindCancelled) {
			sse.WriteError(models.APIError{Message: err.Error(), Kind: string(cortexerr.KindOf(err))})
		}
		log.Debug().Err(err).Msg("Stream ended with error")
	}
}

// Embeddings serves POST /v1/embeddings.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	family, err := h.resolveFamily()
	if err != nil {
		respondError(w, err)
		return
	}
	resp, err := h.Dispatcher.Embeddings(r.Context(), family, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type loadModelRequest struct {
	Engine     string `json:"engine"`
	ModelPath  string `json:"model_path"`
	Model      string `json:"model"`
	NGPULayers int    `json:"ngl"`
	ContextLen int    `json:"ctx_len"`
	NParallel  int    `json:"n_parallel"`
	Embedding  bool   `json:"embedding"`
}

// LoadModel serves POST /inferences/server/loadmodel: loads the engine
// when needed, then loads the model into it.
func (h *Handlers) LoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	family := req.Engine
	if family == "" {
		family = registry.FamilyLlamaCpp
	}

	if err := h.Loader.Load(family); err != nil {
		respondError(w, err)
		return
	}

	borrowed, err := h.Loader.Borrow(family)
	if err != nil {
		respondError(w, err)
		return
	}
	defer borrowed.Release()

	err = borrowed.Engine.LoadModel(r.Context(), engine.LoadModelParams{
		ModelPath:  req.ModelPath,
		ModelAlias: req.Model,
		NGPULayers: req.NGPULayers,
		ContextLen: req.ContextLen,
		NParallel:  req.NParallel,
		Embedding:  req.Embedding,
	})
	if err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindEngineError, err, "load model"))
		return
	}
	respondMessage(w, http.StatusOK, "Model loaded successfully")
}

// UnloadModel serves POST /inferences/server/unloadmodel.
func (h *Handlers) UnloadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	family := req.Engine
	if family == "" {
		family = registry.FamilyLlamaCpp
	}
	if err := h.Loader.Unload(family); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Engine unloaded successfully")
}

// ListLoadedModels serves GET /inferences/server/models: per-engine model
// status as the engines report it.
func (h *Handlers) ListLoadedModels(w http.ResponseWriter, r *http.Request) {
	type loadedModel struct {
		Engine string         `json:"engine"`
		Status map[string]any `json:"status"`
	}
	out := []loadedModel{}
	for _, family := range h.Loader.LoadedFamilies() {
		borrowed, err := h.Loader.Borrow(family)
		if err != nil {
			continue
		}
		out = append(out, loadedModel{Engine: family, Status: borrowed.Engine.GetModelStatus()})
		borrowed.Release()
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}
