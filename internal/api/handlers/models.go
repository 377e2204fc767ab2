package handlers

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// PullModel serves POST /v1/models/pull: schedules a model artifact
// download into <data>/models; progress flows over /events keyed by the
// file name.
func (h *Handlers) PullModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondError(w, cortexerr.New(cortexerr.KindBadRequest, "url is required"))
		return
	}

	doc := h.Config.Get()
	name := path.Base(req.URL)
	dest := filepath.Join(doc.ModelsDir(), name)
	item := models.DownloadItem{
		ID:          name,
		DownloadURL: req.URL,
		LocalPath:   dest,
	}
	// Gated Hugging Face repos need the configured token.
	if doc.HuggingFaceToken != "" && isHuggingFaceURL(req.URL) {
		item.AuthToken = doc.HuggingFaceToken
	}
	task := models.DownloadTask{
		ID:    name,
		Type:  models.DownloadTypeModel,
		Items: []models.DownloadItem{item},
	}

	// The request context dies with the handler; the record write happens
	// long after, on the download callback.
	onFinished := func(finished models.DownloadTask, derr error) {
		if derr != nil {
			log.Error().Str("model", name).Err(derr).Msg("Model pull failed")
			return
		}
		if err := h.Store.AddModel(context.Background(), &store.Model{
			ID:         name,
			PathToYaml: finished.Items[0].LocalPath,
			ModelAlias: name,
		}); err != nil && !cortexerr.Is(err, cortexerr.KindAlreadyExists) {
			log.Warn().Str("model", name).Err(err).Msg("Could not record pulled model")
		}
	}

	if _, err := h.Downloads.AddTask(task, onFinished); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Model pull started")
}

// isHuggingFaceURL reports whether the URL targets huggingface.co, so the
// token never leaks to other hosts.
func isHuggingFaceURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "huggingface.co" || strings.HasSuffix(host, ".huggingface.co")
}

// ListModels serves GET /v1/models from the entity store.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Store.ListModels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if ms == nil {
		ms = []store.Model{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": ms})
}

// DeleteModel serves DELETE /v1/models/{modelID}.
func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "modelID")
	if err := h.Store.DeleteModel(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "object": "model.deleted", "deleted": true})
}

// CancelDownload serves DELETE /v1/downloads/{taskID}.
func (h *Handlers) CancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.Downloads.Cancel(chi.URLParam(r, "taskID")); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Download cancelled")
}
