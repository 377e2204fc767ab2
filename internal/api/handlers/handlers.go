// Package handlers implements the HTTP handlers for the cortex control
// plane. Handlers are thin adapters: decode, call a service, translate the
// typed error into a status code.
package handlers

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/dispatch"
	"github.com/janhq/cortex/internal/download"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/loader"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/internal/threads"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Store
	Store      store.Store
	Registry   *registry.Registry
	Loader     *loader.Loader
	Dispatcher *dispatch.Dispatcher
	Downloads  *download.Service
	Threads    *threads.Repository
	Bus        *events.Bus
	Version    string
}

// New creates a Handlers instance with all dependencies.
func New(cfg *config.Store, st store.Store, reg *registry.Registry, ld *loader.Loader, d *dispatch.Dispatcher, dls *download.Service, tr *threads.Repository, bus *events.Bus, version string) *Handlers {
	return &Handlers{
		Config:     cfg,
		Store:      st,
		Registry:   reg,
		Loader:     ld,
		Dispatcher: d,
		Downloads:  dls,
		Threads:    tr,
		Bus:        bus,
		Version:    version,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError translates a typed error into the wire shape.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, cortexerr.HTTPStatus(err), models.APIError{
		Message: err.Error(),
		Kind:    string(cortexerr.KindOf(err)),
	})
}

func respondMessage(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"message": msg})
}
