package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/internal/download"
	"github.com/janhq/cortex/internal/events"
	"github.com/janhq/cortex/internal/store"
	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

type fixture struct {
	reg *Registry
	cfg *config.Store
	bus *events.Bus
	dir string
}

func newFixture(t *testing.T, releaseURL string, host models.HostDescriptor) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(dir, config.Overrides{DataDir: dir})
	require.NoError(t, cfg.Load())

	entities, err := store.Open(filepath.Join(dir, "cortex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { entities.Close() })

	bus := events.NewBus()
	dls := download.NewService(bus)
	t.Cleanup(dls.Stop)

	reg := New(cfg, entities, dls, bus, NewReleaseClient(releaseURL), host)
	return &fixture{reg: reg, cfg: cfg, bus: bus, dir: dir}
}

// installVariant fabricates an on-disk install with a version.txt manifest.
func (f *fixture) installVariant(t *testing.T, family, variant, version string) string {
	t.Helper()
	dir := filepath.Join(f.cfg.Get().EnginesDir(), family, variant, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf("name: %s\nversion: %s\ncapabilities: [chat, embedding]\n",
		variant, version[1:])
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte(manifest), 0o644))
	return dir
}

func linuxHost() models.HostDescriptor {
	return models.HostDescriptor{OS: "linux", Arch: "amd64", Flags: []string{"avx2"}}
}

func TestInstalledVariantsScansManifests(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	f.installVariant(t, FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")
	f.installVariant(t, FamilyLlamaCpp, "linux-amd64-noavx", "v0.1.39")

	got, err := f.reg.InstalledVariants(FamilyLlamaCpp)
	require.NoError(t, err)
	require.Len(t, got, 2)
	names := []string{got[0].Name, got[1].Name}
	assert.Contains(t, names, "linux-amd64-avx2")
	assert.Contains(t, names, "linux-amd64-noavx")
}

func TestSetDefaultRequiresInstall(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())

	err := f.reg.SetDefault(context.Background(), FamilyLlamaCpp, "v9.9.9", "linux-amd64-avx2")
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))

	f.installVariant(t, FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")
	require.NoError(t, f.reg.SetDefault(context.Background(), FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2"))

	def, err := f.reg.GetDefault(FamilyLlamaCpp)
	require.NoError(t, err)
	assert.Equal(t, "v0.1.40", def.Version)
	assert.Equal(t, "linux-amd64-avx2", def.Variant)
	assert.True(t, f.reg.IsReady(FamilyLlamaCpp))
}

func TestGetDefaultUnsetIsNotFound(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	_, err := f.reg.GetDefault(FamilyLlamaCpp)
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
	assert.False(t, f.reg.IsReady(FamilyLlamaCpp))
}

func TestUnknownFamily(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	_, err := f.reg.Family("tensorrt")
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
}

func TestUninstallVariant(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	dir := f.installVariant(t, FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")

	require.NoError(t, f.reg.Uninstall(context.Background(), FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2"))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	err = f.reg.Uninstall(context.Background(), FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2")
	assert.True(t, cortexerr.Is(err, cortexerr.KindNotFound))
}

func TestInstallRemoteRecordsCredentials(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	require.NoError(t, f.reg.InstallRemote(context.Background(), FamilyOpenAI, "sk-test", ""))
	assert.True(t, f.reg.IsReady(FamilyOpenAI))

	def, err := f.reg.GetDefault(FamilyOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "remote", def.Variant)
}

func TestCheckUpdateRecordsLatestRelease(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/janhq/cortex.llamacpp/releases", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"tag_name": "v0.2.0-rc1", "prerelease": true},
			{"tag_name": "v0.1.41", "prerelease": false},
			{"tag_name": "v0.1.40", "prerelease": false}
		]`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFixture(t, ts.URL, linuxHost())
	f.installVariant(t, FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")
	require.NoError(t, f.reg.SetDefault(context.Background(), FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2"))

	check, err := f.reg.CheckUpdate(context.Background(), FamilyLlamaCpp)
	require.NoError(t, err)

	// Prereleases are skipped; the newer stable release wins.
	assert.Equal(t, "v0.1.41", check.LatestVersion)
	assert.Equal(t, "v0.1.40", check.InstalledVersion)
	assert.True(t, check.UpdateAvailable)
	assert.NotZero(t, check.CheckedAt)

	doc := f.cfg.Get()
	assert.Equal(t, "v0.1.41", doc.LatestRelease)
	assert.Equal(t, check.CheckedAt, doc.CheckedForUpdateAt)
}

func TestCheckUpdateUpToDate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/janhq/cortex.llamacpp/releases", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"tag_name": "v0.1.40", "prerelease": false}]`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFixture(t, ts.URL, linuxHost())
	f.installVariant(t, FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40")
	require.NoError(t, f.reg.SetDefault(context.Background(), FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2"))

	check, err := f.reg.CheckUpdate(context.Background(), FamilyLlamaCpp)
	require.NoError(t, err)
	assert.False(t, check.UpdateAvailable)
}

func TestCheckUpdateRemoteFamilyRejected(t *testing.T) {
	f := newFixture(t, "http://unused", linuxHost())
	_, err := f.reg.CheckUpdate(context.Background(), FamilyOpenAI)
	assert.True(t, cortexerr.Is(err, cortexerr.KindBadRequest))
}

func TestInstallAsyncMatchesAndExtracts(t *testing.T) {
	archive := []byte("not really a tarball")
	assetName := "cortex.llamacpp-0.1.40-linux-amd64-avx2.tar.gz"

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/janhq/cortex.llamacpp/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"tag_name": "v0.1.40",
			"assets": [{
				"name": %q,
				"content_type": "application/gzip",
				"state": "uploaded",
				"size": %d,
				"browser_download_url": "http://%s/dl/%s"
			}]
		}`, assetName, len(archive), r.Host, assetName)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFixture(t, ts.URL, linuxHost())

	extracted := make(chan string, 2)
	origExtract := extract
	extract = func(src, dst string) error {
		extracted <- dst
		return nil
	}
	defer func() { extract = origExtract }()

	sub := f.bus.Subscribe(models.EventModelInstalled)
	defer f.bus.Unsubscribe(sub)

	require.NoError(t, f.reg.InstallAsync(context.Background(), FamilyLlamaCpp, "", ""))

	select {
	case evt := <-sub.C:
		payload := evt.Payload.(models.EnginePayload)
		assert.Equal(t, "v0.1.40", payload.Version)
		assert.Equal(t, "linux-amd64-avx2", payload.Variant)
	case <-time.After(10 * time.Second):
		t.Fatal("install did not finish")
	}

	dst := <-extracted
	assert.Contains(t, dst, filepath.Join("engines", FamilyLlamaCpp, "linux-amd64-avx2", "v0.1.40"))

	// The manifest was written and the default persisted.
	assert.True(t, f.reg.IsInstalled(FamilyLlamaCpp, "v0.1.40", "linux-amd64-avx2"))
	def, err := f.reg.GetDefault(FamilyLlamaCpp)
	require.NoError(t, err)
	assert.Equal(t, "linux-amd64-avx2", def.Variant)
}

func TestInstallAsyncIncompatibleHost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/janhq/cortex.llamacpp/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"tag_name": "v0.1.40",
			"assets": [{
				"name": "cortex.llamacpp-0.1.40-windows-amd64-avx2.tar.gz",
				"content_type": "application/gzip",
				"state": "uploaded",
				"size": 10,
				"browser_download_url": "http://example.invalid/x.tar.gz"
			}]
		}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFixture(t, ts.URL, linuxHost())
	err := f.reg.InstallAsync(context.Background(), FamilyLlamaCpp, "", "")
	require.Error(t, err)
	assert.True(t, cortexerr.Is(err, cortexerr.KindIncompatibleHost))
	assert.Contains(t, err.Error(), "linux/amd64")
}
