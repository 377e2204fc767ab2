package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	githubAPIBase = "https://api.github.com"
	releaseOwner  = "janhq"

	// Curated CUDA dependency packages.
	cudaHost     = "https://catalog.jan.ai"
	cudaFileName = "cuda.tar.gz"
)

// ReleaseClient fetches the upstream release catalog for engine families.
type ReleaseClient struct {
	client  *http.Client
	baseURL string
}

// NewReleaseClient uses the public GitHub API unless baseURL overrides it
// (tests point this at an httptest server).
func NewReleaseClient(baseURL string) *ReleaseClient {
	if baseURL == "" {
		baseURL = githubAPIBase
	}
	return &ReleaseClient{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type ghAsset struct {
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

// Releases lists the published versions of a family's repository.
func (c *ReleaseClient) Releases(ctx context.Context, repo string) ([]models.EngineRelease, error) {
	var rels []ghRelease
	url := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseURL, releaseOwner, repo)
	if err := c.getJSON(ctx, url, &rels); err != nil {
		return nil, err
	}
	out := make([]models.EngineRelease, 0, len(rels))
	for _, r := range rels {
		if r.Draft {
			continue
		}
		out = append(out, models.EngineRelease{
			TagName:     r.TagName,
			Name:        r.Name,
			Draft:       r.Draft,
			Prerelease:  r.Prerelease,
			PublishedAt: r.PublishedAt,
		})
	}
	return out, nil
}

// Variants lists the downloadable archives of one release. Only uploaded
// gzip assets qualify.
func (c *ReleaseClient) Variants(ctx context.Context, repo, version string) ([]models.EngineVariantAsset, error) {
	var rel ghRelease
	var url string
	if version == "" || version == "latest" {
		url = fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, releaseOwner, repo)
	} else {
		url = fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.baseURL, releaseOwner, repo, ensureV(version))
	}
	if err := c.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}

	ver := strings.TrimPrefix(rel.TagName, "v")
	out := make([]models.EngineVariantAsset, 0, len(rel.Assets))
	for _, a := range rel.Assets {
		if a.ContentType != "application/gzip" || a.State != "uploaded" {
			continue
		}
		out = append(out, models.EngineVariantAsset{
			Name:        a.Name,
			Version:     ver,
			ContentType: a.ContentType,
			State:       a.State,
			Size:        a.Size,
			DownloadURL: a.BrowserDownloadURL,
		})
	}
	if len(out) == 0 {
		return nil, cortexerr.New(cortexerr.KindNotFound, "no downloadable variants for %s %s", repo, version)
	}
	return out, nil
}

// CudaToolkitURL builds the curated CUDA package location for a toolkit
// version and OS.
func CudaToolkitURL(toolkitVersion, os string) string {
	return fmt.Sprintf("%s/dist/cuda-dependencies/%s/%s/%s",
		cudaHost, toolkitVersion, os, cudaFileName)
}

func (c *ReleaseClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "build request %s", url)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := c.client.Do(req)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindDownloadFailed, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return cortexerr.New(cortexerr.KindNotFound, "release catalog entry not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return cortexerr.New(cortexerr.KindDownloadFailed, "status %d from %s: %s", resp.StatusCode, url, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "decode %s", url)
	}
	return nil
}

func ensureV(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}
