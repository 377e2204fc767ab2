package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

func listParams(r *http.Request) (limit int, order, after, before string) {
	q := r.URL.Query()
	limit = 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	order = q.Get("order")
	if order == "" {
		order = "desc"
	}
	return limit, order, q.Get("after"), q.Get("before")
}

// ListThreads serves GET /v1/threads.
func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	limit, order, after, before := listParams(r)
	ts, err := h.Threads.List(limit, order, after, before)
	if err != nil {
		respondError(w, err)
		return
	}
	if ts == nil {
		ts = []models.Thread{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": ts})
}

// CreateThread serves POST /v1/threads.
func (h *Handlers) CreateThread(w http.ResponseWriter, r *http.Request) {
	var t models.Thread
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
			return
		}
	}
	if err := h.Threads.Create(&t); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

// GetThread serves GET /v1/threads/{threadID}.
func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.Threads.Retrieve(chi.URLParam(r, "threadID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ModifyThread serves PATCH /v1/threads/{threadID}.
func (h *Handlers) ModifyThread(w http.ResponseWriter, r *http.Request) {
	var patch models.ThreadPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	t, err := h.Threads.Modify(chi.URLParam(r, "threadID"), patch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// DeleteThread serves DELETE /v1/threads/{threadID}.
func (h *Handlers) DeleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	if err := h.Threads.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "object": "thread.deleted", "deleted": true})
}

// ListMessages serves GET /v1/threads/{threadID}/messages.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, order, after, before := listParams(r)
	msgs, err := h.Threads.ListMessages(chi.URLParam(r, "threadID"), limit, order, after, before)
	if err != nil {
		respondError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": msgs})
}

// CreateMessage serves POST /v1/threads/{threadID}/messages.
func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	if m.Role == "" {
		respondError(w, cortexerr.New(cortexerr.KindBadRequest, "role is required"))
		return
	}
	if err := h.Threads.CreateMessage(chi.URLParam(r, "threadID"), &m); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// GetMessage serves GET /v1/threads/{threadID}/messages/{messageID}.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.Threads.RetrieveMessage(chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ModifyMessage serves PATCH /v1/threads/{threadID}/messages/{messageID}.
func (h *Handlers) ModifyMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content any `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	m, err := h.Threads.ModifyMessage(chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// DeleteMessage serves DELETE /v1/threads/{threadID}/messages/{messageID}.
func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if err := h.Threads.DeleteMessage(chi.URLParam(r, "threadID"), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "object": "thread.message.deleted", "deleted": true})
}
