package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// ListEngines serves GET /v1/engines: every known family with install and
// load state.
func (h *Handlers) ListEngines(w http.ResponseWriter, r *http.Request) {
	type engineInfo struct {
		Name      string                    `json:"name"`
		Type      string                    `json:"type"`
		Ready     bool                      `json:"ready"`
		Loaded    bool                      `json:"loaded"`
		Installed []models.InstalledVariant `json:"installed"`
	}
	out := []engineInfo{}
	for _, name := range h.Registry.Families() {
		fam, err := h.Registry.Family(name)
		if err != nil {
			continue
		}
		installed, _ := h.Registry.InstalledVariants(name)
		if installed == nil {
			installed = []models.InstalledVariant{}
		}
		out = append(out, engineInfo{
			Name:      name,
			Type:      fam.Type,
			Ready:     h.Registry.IsReady(name),
			Loaded:    h.Loader.IsLoaded(name),
			Installed: installed,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}

// GetEngine serves GET /v1/engines/{family}.
func (h *Handlers) GetEngine(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	fam, err := h.Registry.Family(family)
	if err != nil {
		respondError(w, err)
		return
	}
	installed, _ := h.Registry.InstalledVariants(family)
	if installed == nil {
		installed = []models.InstalledVariant{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":      family,
		"type":      fam.Type,
		"ready":     h.Registry.IsReady(family),
		"loaded":    h.Loader.IsLoaded(family),
		"installed": installed,
	})
}

// ListReleases serves GET /v1/engines/{family}/releases.
func (h *Handlers) ListReleases(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	releases, err := h.Registry.Releases(r.Context(), family)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": releases})
}

// ListReleaseVariants serves GET /v1/engines/{family}/releases/{version}.
func (h *Handlers) ListReleaseVariants(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	version := chi.URLParam(r, "version")
	variants, err := h.Registry.Variants(r.Context(), family, version)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": variants})
}

type installRequest struct {
	Version string `json:"version"`
	Variant string `json:"variant"`
	APIKey  string `json:"api_key"`
	URL     string `json:"url"`
}

// InstallEngine serves POST /v1/engines/{family}/install. Local families
// install asynchronously; progress flows over /events.
func (h *Handlers) InstallEngine(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	var req installRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
			return
		}
	}

	fam, err := h.Registry.Family(family)
	if err != nil {
		respondError(w, err)
		return
	}

	if fam.Type == models.EngineTypeRemote {
		if err := h.Registry.InstallRemote(r.Context(), family, req.APIKey, req.URL); err != nil {
			respondError(w, err)
			return
		}
		respondMessage(w, http.StatusOK, "Remote engine configured")
		return
	}

	if err := h.Registry.InstallAsync(r.Context(), family, req.Version, req.Variant); err != nil {
		respondError(w, err)
		return
	}
	log.Info().Str("engine", family).Str("version", req.Version).Msg("Engine install started")
	respondMessage(w, http.StatusOK, "Engine install started")
}

// UninstallEngine serves DELETE /v1/engines/{family}/install.
func (h *Handlers) UninstallEngine(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	version := r.URL.Query().Get("version")
	variant := r.URL.Query().Get("variant")
	if err := h.Registry.Uninstall(r.Context(), family, version, variant); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Engine uninstalled")
}

// CheckEngineUpdate serves POST /v1/engines/{family}/update: compares the
// installed default against the newest upstream release and records the
// check in the config document.
func (h *Handlers) CheckEngineUpdate(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	check, err := h.Registry.CheckUpdate(r.Context(), family)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, check)
}

// GetDefaultVariant serves GET /v1/engines/{family}/default.
func (h *Handlers) GetDefaultVariant(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	def, err := h.Registry.GetDefault(family)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

// SetDefaultVariant serves POST /v1/engines/{family}/default.
func (h *Handlers) SetDefaultVariant(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	var req struct {
		Version string `json:"version"`
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, cortexerr.Wrap(cortexerr.KindBadRequest, err, "invalid request body"))
		return
	}
	if req.Version == "" || req.Variant == "" {
		respondError(w, cortexerr.New(cortexerr.KindBadRequest, "version and variant are required"))
		return
	}
	if err := h.Registry.SetDefault(r.Context(), family, req.Version, req.Variant); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.DefaultVariant{
		Engine: family, Version: req.Version, Variant: req.Variant,
	})
}

// LoadEngine serves POST /v1/engines/{family}/load.
func (h *Handlers) LoadEngine(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if err := h.Loader.Load(family); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Engine loaded")
}

// UnloadEngine serves DELETE /v1/engines/{family}/load.
func (h *Handlers) UnloadEngine(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if err := h.Loader.Unload(family); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Engine unloaded")
}
