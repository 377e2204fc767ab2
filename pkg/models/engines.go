package models

import "time"

// Engine type tags.
const (
	EngineTypeLocal  = "local"
	EngineTypeRemote = "remote"
)

// Engine capability names declared in a variant manifest.
const (
	CapChat       = "chat"
	CapEmbedding  = "embedding"
	CapMultimodal = "multimodal"
)

// Engine is the persisted entity record for an installed engine variant or
// a configured remote engine. Uniqueness is (Name, Variant, Version).
type Engine struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Type     string `db:"type" json:"type"` // local | remote
	APIKey   string `db:"api_key" json:"api_key,omitempty"`
	URL      string `db:"url" json:"url,omitempty"`
	Version  string `db:"version" json:"version"`
	Variant  string `db:"variant" json:"variant"`
	Status   string `db:"status" json:"status"`
	Metadata string `db:"metadata" json:"metadata,omitempty"`
}

// EngineRelease is one upstream version of an engine family.
type EngineRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// EngineVariantAsset is a downloadable archive attached to a release.
type EngineVariantAsset struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ContentType string `json:"content_type"`
	State       string `json:"state"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
}

// InstalledVariant describes one extracted variant found on disk, loaded
// from its version.txt manifest.
type InstalledVariant struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Engine       string   `json:"engine" yaml:"-"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Path         string   `json:"path,omitempty" yaml:"-"`
}

// DefaultVariant is the persisted default selection for a family.
type DefaultVariant struct {
	Engine  string `json:"engine"`
	Version string `json:"version"`
	Variant string `json:"variant"`
}

// HostDescriptor summarizes the hardware the registry matches variants
// against. Its OS, arch and CUDA driver version are named in
// incompatible-host errors.
type HostDescriptor struct {
	OS                string   `json:"os"`
	Arch              string   `json:"arch"`
	CPUModel          string   `json:"cpu_model,omitempty"`
	Cores             int      `json:"cores"`
	Flags             []string `json:"flags,omitempty"`
	TotalRAMBytes     uint64   `json:"total_ram_bytes,omitempty"`
	CUDADriverVersion string   `json:"cuda_driver_version,omitempty"`
}

// HasFlag reports whether the CPU advertises the given feature flag.
func (h *HostDescriptor) HasFlag(name string) bool {
	for _, f := range h.Flags {
		if f == name {
			return true
		}
	}
	return false
}
