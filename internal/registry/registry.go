// Package registry maintains the catalog of engine families: which
// variants exist upstream, which are installed, and which one a family
// loads by default. Installs flow through the download service and are
// recorded in the entity store.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/janhq/cortex/internal/archive"
	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/download"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

// Engine family names.
const (
	FamilyLlamaCpp  = "llama-cpp"
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
)

// Family describes one engine family's static metadata. ConflictsWith
// lists families whose dependency directories cannot coexist on the
// library search path.
type Family struct {
	Name          string
	Repo          string // upstream release repository
	Type          string // local | remote
	NeedsCuda     bool
	ConflictsWith []string
}

// builtinFamilies is the data-driven family table.
var builtinFamilies = map[string]Family{
	FamilyLlamaCpp: {
		Name:      FamilyLlamaCpp,
		Repo:      "cortex.llamacpp",
		Type:      models.EngineTypeLocal,
		NeedsCuda: true,
	},
	FamilyOpenAI: {
		Name: FamilyOpenAI,
		Type: models.EngineTypeRemote,
	},
	FamilyAnthropic: {
		Name: FamilyAnthropic,
		Type: models.EngineTypeRemote,
	},
}

// Unloader is the loader-facing contract the registry needs before it can
// delete files out from under a mapped library. Wired after construction
// to keep package dependencies one-directional.
type Unloader interface {
	IsLoaded(family string) bool
	Unload(family string) error
}

// Registry implements the engine catalog.
type Registry struct {
	cfg      *config.Store
	entities store.Store
	dls      *download.Service
	bus      *events.Bus
	releases *ReleaseClient
	host     models.HostDescriptor

	unloader Unloader
	families map[string]Family
}

// New builds the registry over its collaborators.
func New(cfg *config.Store, entities store.Store, dls *download.Service, bus *events.Bus, releases *ReleaseClient, host models.HostDescriptor) *Registry {
	fams := make(map[string]Family, len(builtinFamilies))
	for k, v := range builtinFamilies {
		fams[k] = v
	}
	return &Registry{
		cfg:      cfg,
		entities: entities,
		dls:      dls,
		bus:      bus,
		releases: releases,
		host:     host,
		families: fams,
	}
}

// SetUnloader wires the loader once both services exist.
func (r *Registry) SetUnloader(u Unloader) { r.unloader = u }

// Host returns the descriptor variants are matched against.
func (r *Registry) Host() models.HostDescriptor { return r.host }

// Family looks up a family's metadata.
func (r *Registry) Family(name string) (Family, error) {
	f, ok := r.families[name]
	if !ok {
		return Family{}, cortexerr.New(cortexerr.KindNotFound, "unknown engine family %q", name)
	}
	return f, nil
}

// Families lists all known family names.
func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.families))
	for name := range r.families {
		out = append(out, name)
	}
	return out
}

// UpdateCheck is the result of a check-for-update against the upstream
// release catalog.
type UpdateCheck struct {
	Engine           string `json:"engine"`
	InstalledVersion string `json:"installed_version,omitempty"`
	LatestVersion    string `json:"latest_version"`
	UpdateAvailable  bool   `json:"update_available"`
	CheckedAt        int64  `json:"checked_at"`
}

// CheckUpdate fetches the newest upstream release for a family, compares
// it against the installed default, and records the check in the config
// document (checkedForUpdateAt, latestRelease).
func (r *Registry) CheckUpdate(ctx context.Context, family string) (UpdateCheck, error) {
	f, err := r.Family(family)
	if err != nil {
		return UpdateCheck{}, err
	}
	if f.Type == models.EngineTypeRemote {
		return UpdateCheck{}, cortexerr.New(cortexerr.KindBadRequest, "remote family %s has no releases to update", family)
	}

	releases, err := r.releases.Releases(ctx, f.Repo)
	if err != nil {
		return UpdateCheck{}, err
	}
	latest := ""
	for _, rel := range releases {
		if rel.Prerelease {
			continue
		}
		latest = rel.TagName
		break
	}
	if latest == "" {
		return UpdateCheck{}, cortexerr.New(cortexerr.KindNotFound, "no stable release found for %s", family)
	}

	out := UpdateCheck{
		Engine:        family,
		LatestVersion: ensureV(latest),
		CheckedAt:     time.Now().Unix(),
	}
	if def, derr := r.GetDefault(family); derr == nil {
		out.InstalledVersion = def.Version
		out.UpdateAvailable = CompareSemver(latest, def.Version) > 0
	} else {
		// Nothing installed yet; any upstream release counts as an update.
		out.UpdateAvailable = true
	}

	if err := r.cfg.Update(func(d *config.Document) {
		d.CheckedForUpdateAt = out.CheckedAt
		d.LatestRelease = out.LatestVersion
	}); err != nil {
		return UpdateCheck{}, err
	}
	log.Info().Str("engine", family).Str("latest", out.LatestVersion).
		Bool("update_available", out.UpdateAvailable).Msg("Checked for engine update")
	return out, nil
}

// Releases lists upstream versions for a family.
func (r *Registry) Releases(ctx context.Context, family string) ([]models.EngineRelease, error) {
	f, err := r.Family(family)
	if err != nil {
		return nil, err
	}
	if f.Type == models.EngineTypeRemote {
		return nil, cortexerr.New(cortexerr.KindBadRequest, "remote family %s has no releases", family)
	}
	return r.releases.Releases(ctx, f.Repo)
}

// Variants lists downloadable archives for a version.
func (r *Registry) Variants(ctx context.Context, family, version string) ([]models.EngineVariantAsset, error) {
	f, err := r.Family(family)
	if err != nil {
		return nil, err
	}
	if f.Type == models.EngineTypeRemote {
		return nil, cortexerr.New(cortexerr.KindBadRequest, "remote family %s has no variants", family)
	}
	return r.releases.Variants(ctx, f.Repo, version)
}

// InstallRemote records a remote engine's credentials as an entity row.
func (r *Registry) InstallRemote(ctx context.Context, family, apiKey, url string) error {
	f, err := r.Family(family)
	if err != nil {
		return err
	}
	if f.Type != models.EngineTypeRemote {
		return cortexerr.New(cortexerr.KindBadRequest, "family %s is not remote", family)
	}
	_, err = r.entities.UpsertEngine(ctx, &models.Engine{
		Name:    family,
		Type:    models.EngineTypeRemote,
		APIKey:  apiKey,
		URL:     url,
		Version: "latest",
		Variant: "remote",
		Status:  "default",
	})
	if err != nil {
		return err
	}
	r.bus.PublishEngine(models.EventModelInstalled, family, "latest", "remote")
	return nil
}

// InstallAsync resolves the variant (matching the host when unspecified),
// enqueues the download(s), and finishes installation in the download
// callback: extract, write version.txt, prune old versions, set default,
// upsert the entity record.
func (r *Registry) InstallAsync(ctx context.Context, family, version, variantName string) error {
	f, err := r.Family(family)
	if err != nil {
		return err
	}
	if f.Type == models.EngineTypeRemote {
		return cortexerr.New(cortexerr.KindBadRequest, "use remote install for family %s", family)
	}

	assets, err := r.releases.Variants(ctx, f.Repo, version)
	if err != nil {
		return err
	}

	var selected models.EngineVariantAsset
	if variantName != "" {
		found := false
		for _, a := range assets {
			if VariantFromAssetName(a.Name, f.Repo, a.Version) == variantName || a.Name == variantName {
				selected, found = a, true
				break
			}
		}
		if !found {
			return cortexerr.New(cortexerr.KindNotFound, "variant %q not found for %s %s", variantName, family, version)
		}
	} else {
		var ok bool
		selected, ok = MatchVariant(&r.host, assets)
		if !ok {
			return cortexerr.New(cortexerr.KindIncompatibleHost,
				"no compatible variant for %s on %s/%s (avx=%s cuda=%q)",
				family, r.host.OS, r.host.Arch, SuitableAVX(&r.host), r.host.CUDADriverVersion)
		}
	}

	if r.unloader != nil && r.unloader.IsLoaded(family) {
		log.Info().Str("engine", family).Msg("Engine is loaded, unloading before install")
		if err := r.unloader.Unload(family); err != nil {
			return err
		}
	}

	ver := ensureV(selected.Version)
	variant := VariantFromAssetName(selected.Name, f.Repo, selected.Version)
	installDir := filepath.Join(r.cfg.Get().EnginesDir(), family, variant, ver)
	archivePath := filepath.Join(installDir, selected.Name)

	task := models.DownloadTask{
		ID:   family,
		Type: models.DownloadTypeEngine,
		Items: []models.DownloadItem{{
			ID:            family,
			DownloadURL:   selected.DownloadURL,
			LocalPath:     archivePath,
			ExpectedBytes: selected.Size,
		}},
	}

	needCuda := f.NeedsCuda && r.host.CUDADriverVersion != "" && strings.Contains(selected.Name, "cuda")
	if needCuda {
		toolkit := SuitableCudaToolkit(r.host.CUDADriverVersion)
		if toolkit == "" {
			return cortexerr.New(cortexerr.KindIncompatibleHost,
				"no curated CUDA toolkit for driver %s", r.host.CUDADriverVersion)
		}
		if CompareSemver(r.host.CUDADriverVersion, toolkit) < 0 {
			return cortexerr.New(cortexerr.KindIncompatibleHost,
				"CUDA driver %s is older than required toolkit %s", r.host.CUDADriverVersion, toolkit)
		}
		task.Items = append(task.Items, models.DownloadItem{
			ID:          "cuda",
			DownloadURL: CudaToolkitURL(toolkit, r.host.OS),
			LocalPath:   filepath.Join(r.cfg.Get().CudaDir(family), cudaFileName),
		})
	}

	onFinished := func(finished models.DownloadTask, derr error) {
		if derr != nil {
			log.Error().Str("engine", family).Err(derr).Msg("Engine download failed")
			return
		}
		if err := r.completeInstall(family, f, finished, ver, variant, installDir); err != nil {
			log.Error().Str("engine", family).Err(err).Msg("Engine install failed")
		}
	}

	if _, err := r.dls.AddTask(task, onFinished); err != nil {
		return err
	}
	return nil
}

// completeInstall runs in the download callback once every archive landed.
func (r *Registry) completeInstall(family string, f Family, task models.DownloadTask, ver, variant, installDir string) error {
	for _, item := range task.Items {
		dst := installDir
		if item.ID == "cuda" {
			dst = r.cfg.Get().CudaDir(family)
		}
		if err := extract(item.LocalPath, dst); err != nil {
			return err
		}
		if err := os.Remove(item.LocalPath); err != nil {
			log.Warn().Str("path", item.LocalPath).Err(err).Msg("Could not delete archive")
		}
	}

	manifest := models.InstalledVariant{
		Name:         variant,
		Version:      strings.TrimPrefix(ver, "v"),
		Capabilities: []string{models.CapChat, models.CapEmbedding},
	}
	if err := writeManifest(filepath.Join(installDir, "version.txt"), manifest); err != nil {
		return err
	}

	// Prune every other version of the same variant.
	variantDir := filepath.Dir(installDir)
	if entries, err := os.ReadDir(variantDir); err == nil {
		for _, e := range entries {
			if e.IsDir() && e.Name() != ver {
				if err := os.RemoveAll(filepath.Join(variantDir, e.Name())); err != nil {
					log.Warn().Str("dir", e.Name()).Err(err).Msg("Could not prune old version")
				}
			}
		}
	}

	if err := r.SetDefault(context.Background(), family, ver, variant); err != nil {
		return err
	}
	if _, err := r.entities.UpsertEngine(context.Background(), &models.Engine{
		Name:    family,
		Type:    models.EngineTypeLocal,
		Version: ver,
		Variant: variant,
		Status:  "default",
	}); err != nil {
		return err
	}

	r.bus.PublishEngine(models.EventModelInstalled, family, ver, variant)
	log.Info().Str("engine", family).Str("version", ver).Str("variant", variant).Msg("Engine installed")
	return nil
}

// extract is indirected for tests.
var extract = func(src, dst string) error {
	return archive.ExtractTarGz(src, dst, true)
}

// Uninstall removes variant files. With neither version nor variant the
// whole family goes; with both only that install goes; variant alone
// removes every version of it.
func (r *Registry) Uninstall(ctx context.Context, family, version, variant string) error {
	f, err := r.Family(family)
	if err != nil {
		return err
	}

	if f.Type == models.EngineTypeRemote {
		row, err := r.entities.GetEngineByNameAndVariant(ctx, family, "remote", "latest")
		if err != nil {
			return err
		}
		return r.entities.DeleteEngineByID(ctx, row.ID)
	}

	if r.unloader != nil && r.unloader.IsLoaded(family) {
		log.Info().Str("engine", family).Msg("Engine is loaded, unloading before uninstall")
		if err := r.unloader.Unload(family); err != nil {
			return err
		}
	}

	base := filepath.Join(r.cfg.Get().EnginesDir(), family)
	var target string
	switch {
	case version == "" && variant == "":
		target = base
	case version != "" && variant != "":
		target = filepath.Join(base, variant, ensureV(version))
	case version == "":
		target = filepath.Join(base, variant)
	default:
		return cortexerr.New(cortexerr.KindBadRequest, "variant required when version is given")
	}

	if _, err := os.Stat(target); os.IsNotExist(err) {
		return cortexerr.New(cortexerr.KindNotFound, "engine variant does not exist: %s", target)
	}
	if err := os.RemoveAll(target); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "remove %s", target)
	}
	log.Info().Str("engine", family).Msg("Engine uninstalled")
	return nil
}

// InstalledVariants scans the canonical directory tree for version.txt
// manifests.
func (r *Registry) InstalledVariants(family string) ([]models.InstalledVariant, error) {
	if _, err := r.Family(family); err != nil {
		return nil, err
	}
	base := filepath.Join(r.cfg.Get().EnginesDir(), family)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "scan %s", base)
	}

	var out []models.InstalledVariant
	for _, variantEntry := range entries {
		if !variantEntry.IsDir() || variantEntry.Name() == "deps" {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(base, variantEntry.Name()))
		if err != nil {
			continue
		}
		for _, versionEntry := range versions {
			if !versionEntry.IsDir() {
				continue
			}
			dir := filepath.Join(base, variantEntry.Name(), versionEntry.Name())
			manifest, err := readManifest(filepath.Join(dir, "version.txt"))
			if err != nil {
				continue
			}
			manifest.Engine = family
			manifest.Path = dir
			out = append(out, manifest)
		}
	}
	return out, nil
}

// IsInstalled reports whether a specific variant/version is on disk.
func (r *Registry) IsInstalled(family, version, variant string) bool {
	installed, err := r.InstalledVariants(family)
	if err != nil {
		return false
	}
	want := strings.TrimPrefix(version, "v")
	for _, iv := range installed {
		if iv.Name == variant && strings.TrimPrefix(iv.Version, "v") == want {
			return true
		}
	}
	return false
}

// GetDefault returns the persisted default selection.
func (r *Registry) GetDefault(family string) (models.DefaultVariant, error) {
	f, err := r.Family(family)
	if err != nil {
		return models.DefaultVariant{}, err
	}
	if f.Type == models.EngineTypeRemote {
		return models.DefaultVariant{Engine: family, Version: "latest", Variant: "remote"}, nil
	}
	doc := r.cfg.Get()
	if doc.LlamacppVariant == "" || doc.LlamacppVersion == "" {
		return models.DefaultVariant{}, cortexerr.New(cortexerr.KindNotFound,
			"default engine variant for %s is not set", family)
	}
	return models.DefaultVariant{
		Engine:  family,
		Version: doc.LlamacppVersion,
		Variant: doc.LlamacppVariant,
	}, nil
}

// SetDefault persists the selection after verifying the install exists,
// unloading the family first when it is loaded.
func (r *Registry) SetDefault(ctx context.Context, family, version, variant string) error {
	if _, err := r.Family(family); err != nil {
		return err
	}
	if !r.IsInstalled(family, version, variant) {
		return cortexerr.New(cortexerr.KindNotFound,
			"engine variant %s-%s is not installed yet", version, variant)
	}
	if r.unloader != nil && r.unloader.IsLoaded(family) {
		if err := r.unloader.Unload(family); err != nil {
			return err
		}
	}
	return r.cfg.Update(func(d *config.Document) {
		d.LlamacppVersion = ensureV(version)
		d.LlamacppVariant = variant
	})
}

// IsReady reports whether the family can be loaded right now.
func (r *Registry) IsReady(family string) bool {
	f, err := r.Family(family)
	if err != nil {
		return false
	}
	if f.Type == models.EngineTypeRemote {
		_, err := r.entities.GetEngineByNameAndVariant(context.Background(), family, "remote", "latest")
		return err == nil
	}
	def, err := r.GetDefault(family)
	if err != nil {
		return false
	}
	return r.IsInstalled(family, def.Version, def.Variant)
}

// InstallPath resolves the on-disk directory of the default variant,
// honoring the ENGINE_PATH override.
func (r *Registry) InstallPath(family string) (string, error) {
	def, err := r.GetDefault(family)
	if err != nil {
		return "", err
	}
	root := r.cfg.Get().EnginesDir()
	if override := os.Getenv("ENGINE_PATH"); override != "" {
		root = override
	}
	return filepath.Join(root, family, def.Variant, ensureV(def.Version)), nil
}

func writeManifest(path string, m models.InstalledVariant) error {
	out, err := yaml.Marshal(&m)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "marshal manifest")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "write %s", path)
	}
	return nil
}

func readManifest(path string) (models.InstalledVariant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.InstalledVariant{}, err
	}
	var m models.InstalledVariant
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return models.InstalledVariant{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}
