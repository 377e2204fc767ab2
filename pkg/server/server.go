// Package server composes the cortex control plane: config, entity store,
// event bus, download service, registry, loader, dispatcher, thread
// repository, and the HTTP router over all of them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/api"
	"github.com/janhq/cortex/internal/api/handlers"
	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/dispatch"
	"github.com/janhq/cortex/internal/download"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/hardware"
	"github.com/janhq/cortex/internal/loader"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/internal/telemetry"
	"github.com/janhq/cortex/internal/threads"
	"github.com/janhq/cortex/pkg/models"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "0.0.0-dev"

// Server holds the initialized control plane.
type Server struct {
	Handler http.Handler
	Addr    string

	Config     *config.Store
	Store      store.Store
	Bus        *events.Bus
	Downloads  *download.Service
	Registry   *registry.Registry
	Loader     *loader.Loader
	Dispatcher *dispatch.Dispatcher
	Threads    *threads.Repository

	shutdownTelemetry func(context.Context) error
}

// New initializes every service and wires the router. The config store is
// loaded (and created on first run) before anything else touches disk.
func New(ctx context.Context, overrides config.Overrides) (*Server, error) {
	cfg := config.New("", overrides)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	doc := cfg.Get()

	for _, dir := range []string{doc.DataFolderPath, doc.LogFolderPath, doc.EnginesDir(), doc.ModelsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	shutdownTel, err := telemetry.Init(Version)
	if err != nil {
		return nil, err
	}

	entities, err := store.Open(doc.DatabasePath())
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	dls := download.NewService(bus)

	host := hardware.Probe(ctx)
	log.Info().
		Str("os", host.OS).
		Str("arch", host.Arch).
		Int("cores", host.Cores).
		Str("cuda", host.CUDADriverVersion).
		Msg("Host probed")
	persistHardware(ctx, entities, host)

	reg := registry.New(cfg, entities, dls, bus, registry.NewReleaseClient(""), host)
	ld := loader.New(cfg, reg, entities, bus)
	reg.SetUnloader(ld)

	d := dispatch.New(cfg, ld, reg)

	tr, err := threads.NewRepository(doc.ThreadsDir())
	if err != nil {
		return nil, err
	}

	h := handlers.New(cfg, entities, reg, ld, d, dls, tr, bus, Version)

	return &Server{
		Handler:           api.NewRouter(cfg, h),
		Addr:              cfg.Addr(),
		Config:            cfg,
		Store:             entities,
		Bus:               bus,
		Downloads:         dls,
		Registry:          reg,
		Loader:            ld,
		Dispatcher:        d,
		Threads:           tr,
		shutdownTelemetry: shutdownTel,
	}, nil
}

// persistHardware replaces the hardware table with the fresh probe. A
// failed write is logged, not fatal; the in-memory descriptor still
// drives variant matching.
func persistHardware(ctx context.Context, entities store.Store, host models.HostDescriptor) {
	rows := []store.HardwareRow{{
		UUID:           uuid.New().String(),
		Type:           "cpu",
		Activated:      true,
		PriorityNumber: 0,
	}}
	if host.CUDADriverVersion != "" {
		rows = append(rows, store.HardwareRow{
			UUID:           uuid.New().String(),
			Type:           "gpu",
			Activated:      true,
			PriorityNumber: 1,
		})
	}
	if err := entities.ReplaceHardware(ctx, rows); err != nil {
		log.Warn().Err(err).Msg("Could not persist hardware snapshot")
	}
}

// Shutdown unloads engines, stops downloads, flushes telemetry, and
// closes the entity store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Loader.Shutdown()
	s.Downloads.Stop()
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}
	return s.Store.Close()
}

// LogFilePath returns the server log location under the data folder.
func (s *Server) LogFilePath() string {
	return filepath.Join(s.Config.Get().LogFolderPath, "cortex.log")
}
