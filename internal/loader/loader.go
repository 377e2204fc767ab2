// Package loader owns the table of loaded engine plugin handles. It maps
// a family's default variant to an opened shared library (or an in-process
// remote adapter), manages the library search path entries local plugins
// need, and hands scoped borrows to the dispatcher so unload can drain
// outstanding use before dropping a mapping.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/engine"
	"github.com/janhq/cortex/internal/engine/remote"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/metrics"
	"github.com/janhq/cortex/internal/registry"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// drainInterval is how often Unload re-checks the borrow count.
const drainInterval = 100 * time.Millisecond

// handle is one loaded family.
type handle struct {
	family  string
	eng     engine.Engine
	lib     dylib
	cookies []searchPathCookie

	borrows sync.WaitGroup
	count   int64
	countMu sync.Mutex

	supervisorStop context.CancelFunc
}

func (h *handle) addBorrow() {
	h.countMu.Lock()
	h.count++
	h.countMu.Unlock()
	h.borrows.Add(1)
}

func (h *handle) releaseBorrow() {
	h.countMu.Lock()
	h.count--
	h.countMu.Unlock()
	h.borrows.Done()
}

func (h *handle) borrowCount() int64 {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.count
}

// Borrowed is a scoped reference to a loaded engine. Release must be
// called; calls after the first are no-ops. Unload blocks until every
// borrow is released.
type Borrowed struct {
	Engine engine.Engine
	Family string

	release func()
	once    sync.Once
}

// Release returns the borrow. Safe to call multiple times.
func (b *Borrowed) Release() {
	b.once.Do(b.release)
}

// Loader implements the engine load/unload lifecycle.
type Loader struct {
	cfg      *config.Store
	reg      *registry.Registry
	entities store.Store
	bus      *events.Bus

	mu      sync.Mutex
	handles map[string]*handle

	// openLib is indirected for tests.
	openLib func(dir string) (dylib, engine.Engine, error)
}

// New builds the loader. Call registry.SetUnloader with the result so
// installs can force an unload.
func New(cfg *config.Store, reg *registry.Registry, entities store.Store, bus *events.Bus) *Loader {
	l := &Loader{
		cfg:      cfg,
		reg:      reg,
		entities: entities,
		bus:      bus,
		handles:  make(map[string]*handle),
	}
	l.openLib = l.openLocal
	return l
}

// SetOpenLib overrides how local libraries are opened. Tests inject fake
// engines here; production code never calls it.
func (l *Loader) SetOpenLib(open func(dir string) (engine.Engine, error)) {
	l.openLib = func(dir string) (dylib, engine.Engine, error) {
		eng, err := open(dir)
		return nil, eng, err
	}
}

// IsLoaded reports whether the family has a live handle.
func (l *Loader) IsLoaded(family string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handles[family]
	return ok
}

// LoadedFamilies lists families with live handles.
func (l *Loader) LoadedFamilies() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.handles))
	for f := range l.handles {
		out = append(out, f)
	}
	return out
}

// Load resolves the family's default variant and maps its plugin.
// Loading an already-loaded family is a successful no-op.
func (l *Loader) Load(family string) error {
	fam, err := l.reg.Family(family)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, ok := l.handles[family]; ok {
		l.mu.Unlock()
		log.Info().Str("engine", family).Msg("Engine already loaded")
		return nil
	}
	l.mu.Unlock()

	// Data-driven coexistence: a family whose dependency directories
	// conflict with a loaded one evicts it before mapping.
	for _, other := range fam.ConflictsWith {
		if l.IsLoaded(other) {
			log.Info().Str("engine", other).Str("requested", family).
				Msg("Unloading conflicting engine")
			if err := l.Unload(other); err != nil {
				return err
			}
		}
	}

	var h *handle
	if fam.Type == models.EngineTypeRemote {
		h, err = l.loadRemote(family)
	} else {
		h, err = l.loadLocal(family)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, ok := l.handles[family]; ok {
		// Lost the race to another Load; treat as idempotent success.
		l.mu.Unlock()
		l.teardown(h)
		return nil
	}
	l.handles[family] = h
	l.mu.Unlock()

	metrics.EnginesLoaded.Inc()
	def, _ := l.reg.GetDefault(family)
	l.bus.PublishEngine(models.EventEngineLoaded, family, def.Version, def.Variant)
	log.Info().Str("engine", family).Msg("Engine loaded")
	return nil
}

// loadRemote builds the in-process adapter from the stored credentials.
func (l *Loader) loadRemote(family string) (*handle, error) {
	row, err := l.entities.GetEngineByNameAndVariant(context.Background(), family, "remote", "latest")
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindLoadFailed, err, "remote engine %s is not installed", family)
	}
	flavor := remote.FlavorOpenAI
	if family == registry.FamilyAnthropic {
		flavor = remote.FlavorAnthropic
	}
	eng := remote.New(flavor, row.URL, row.APIKey, "")
	return &handle{family: family, eng: eng}, nil
}

// loadLocal maps the shared library, installs search-path entries, and
// starts the supervisor pump.
func (l *Loader) loadLocal(family string) (*handle, error) {
	dir, err := l.reg.InstallPath(family)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, cortexerr.New(cortexerr.KindLoadFailed, "engine directory does not exist: %s", dir)
	}

	h := &handle{family: family}

	// Search-path entries go in before the mapping so sibling libraries
	// resolve; they are revoked in reverse order on unload.
	doc := l.cfg.Get()
	for _, p := range []string{dir, doc.CudaDir(family)} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cookie, err := addSearchPath(p)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("Could not add library search path")
			continue
		}
		h.cookies = append(h.cookies, cookie)
	}

	lib, eng, err := l.openLib(dir)
	if err != nil {
		l.revokeCookies(h)
		return nil, err
	}
	h.lib = lib
	h.eng = eng

	if fl, ok := eng.(engine.FileLoggerEngine); ok {
		if eng.IsSupported("SetFileLogger") {
			fl.SetFileLogger(doc.MaxLogLines, filepath.Join(doc.LogFolderPath, family+".log"))
		}
		if eng.IsSupported("SetLogLevel") {
			fl.SetLogLevel(log.Logger.GetLevel().String())
		}
	}

	supCtx, cancel := context.WithCancel(context.Background())
	h.supervisorStop = cancel
	go supervise(supCtx, family, eng)
	return h, nil
}

// openLocal resolves the factory symbol from the platform library file.
func (l *Loader) openLocal(dir string) (dylib, engine.Engine, error) {
	path := filepath.Join(dir, libraryFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, nil, cortexerr.Wrap(cortexerr.KindLoadFailed, err, "plugin library missing at %s", path)
	}
	lib, err := openDylib(path)
	if err != nil {
		return nil, nil, cortexerr.Wrap(cortexerr.KindLoadFailed, err, "open %s", path)
	}
	sym, err := lib.Lookup(engine.FactorySymbol)
	if err != nil {
		lib.Close()
		return nil, nil, cortexerr.Wrap(cortexerr.KindLoadFailed, err, "symbol %s not found in %s", engine.FactorySymbol, path)
	}
	factory, ok := sym.(func() engine.Engine)
	if !ok {
		lib.Close()
		return nil, nil, cortexerr.New(cortexerr.KindLoadFailed,
			"symbol %s in %s has incompatible type", engine.FactorySymbol, path)
	}
	return lib, factory(), nil
}

// Unload drains borrows, stops the supervisor, revokes search-path
// entries in reverse order, and drops the mapping.
func (l *Loader) Unload(family string) error {
	l.mu.Lock()
	h, ok := l.handles[family]
	if !ok {
		l.mu.Unlock()
		return cortexerr.New(cortexerr.KindNotFound, "engine %s is not loaded", family)
	}
	delete(l.handles, family)
	l.mu.Unlock()

	// New borrows are impossible now; wait out the existing ones.
	for h.borrowCount() > 0 {
		time.Sleep(drainInterval)
	}
	h.borrows.Wait()

	l.teardown(h)
	metrics.EnginesLoaded.Dec()
	l.bus.PublishEngine(models.EventEngineUnloaded, family, "", "")
	log.Info().Str("engine", family).Msg("Engine unloaded")
	return nil
}

func (l *Loader) teardown(h *handle) {
	if h.supervisorStop != nil {
		h.supervisorStop()
	}
	if h.eng != nil {
		if err := h.eng.UnloadModel(context.Background()); err != nil {
			log.Warn().Str("engine", h.family).Err(err).Msg("UnloadModel failed")
		}
	}
	l.revokeCookies(h)
	if h.lib != nil {
		if err := h.lib.Close(); err != nil {
			log.Warn().Str("engine", h.family).Err(err).Msg("Could not close library")
		}
	}
}

func (l *Loader) revokeCookies(h *handle) {
	for i := len(h.cookies) - 1; i >= 0; i-- {
		if err := removeSearchPath(h.cookies[i]); err != nil {
			log.Warn().Str("engine", h.family).Err(err).Msg("Could not remove search path")
		}
	}
	h.cookies = nil
}

// Borrow registers a use of the family's handle. The dispatcher never
// stores the raw engine beyond the returned scope.
func (l *Loader) Borrow(family string) (*Borrowed, error) {
	l.mu.Lock()
	h, ok := l.handles[family]
	if !ok {
		l.mu.Unlock()
		return nil, cortexerr.New(cortexerr.KindNotFound, "engine %s is not loaded", family)
	}
	h.addBorrow()
	l.mu.Unlock()

	return &Borrowed{
		Engine:  h.eng,
		Family:  family,
		release: h.releaseBorrow,
	}, nil
}

// BorrowCount reports outstanding borrows, for tests and diagnostics.
func (l *Loader) BorrowCount(family string) int64 {
	l.mu.Lock()
	h, ok := l.handles[family]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return h.borrowCount()
}

// Shutdown unloads everything, draining in arbitrary order.
func (l *Loader) Shutdown() {
	for _, f := range l.LoadedFamilies() {
		if err := l.Unload(f); err != nil {
			log.Warn().Str("engine", f).Err(err).Msg("Unload during shutdown failed")
		}
	}
}

// supervise pumps the engine's internal scheduler until unload.
func supervise(ctx context.Context, family string, eng engine.Engine) {
	log.Debug().Str("engine", family).Msg("Supervisor started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("engine", family).Msg("Supervisor stopped")
			return
		default:
			eng.UpdateSlots()
		}
	}
}

var _ registry.Unloader = (*Loader)(nil)
