package registry

import (
	"sort"
	"strings"

	"github.com/janhq/cortex/pkg/models"
)

// AVX ISA levels from most to least capable. The matcher picks the highest
// level the host CPU advertises.
var avxLevels = []string{"avx512", "avx2", "avx", "noavx"}

// cuda11Toolkit / cuda12Toolkit are the curated toolkit versions paired
// with each driver major.
const (
	cuda11Toolkit = "11.7"
	cuda12Toolkit = "12.0"
)

// SuitableAVX returns the best ISA level for the host.
func SuitableAVX(host *models.HostDescriptor) string {
	switch {
	case host.HasFlag("avx512f") || host.HasFlag("avx512"):
		return "avx512"
	case host.HasFlag("avx2"):
		return "avx2"
	case host.HasFlag("avx"):
		return "avx"
	default:
		return "noavx"
	}
}

// SuitableCudaToolkit maps the driver version onto the curated toolkit
// release; empty when the driver is absent or unrecognized.
func SuitableCudaToolkit(driverVersion string) string {
	major := semverMajor(driverVersion)
	switch major {
	case 11:
		return cuda11Toolkit
	case 12:
		return cuda12Toolkit
	default:
		return ""
	}
}

func semverMajor(v string) int {
	v = strings.TrimPrefix(v, "v")
	head, _, _ := strings.Cut(v, ".")
	n := 0
	for _, r := range head {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// CompareSemver returns -1, 0, or 1 comparing dotted versions numerically
// component by component.
func CompareSemver(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var na, nb int
		if i < len(pa) {
			na = atoiSafe(pa[i])
		}
		if i < len(pb) {
			nb = atoiSafe(pb[i])
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// MatchVariant picks the best asset for the host: filter by OS, then arch,
// then prefer CUDA builds matching the driver major (CPU builds otherwise),
// then the highest supported AVX level. Ties break on a performance hint
// in the asset name, then lexicographically.
func MatchVariant(host *models.HostDescriptor, assets []models.EngineVariantAsset) (models.EngineVariantAsset, bool) {
	candidates := filter(assets, func(a models.EngineVariantAsset) bool {
		return strings.Contains(a.Name, host.OS)
	})
	if byArch := filter(candidates, func(a models.EngineVariantAsset) bool {
		return strings.Contains(a.Name, host.Arch)
	}); len(byArch) > 0 {
		candidates = byArch
	}
	if len(candidates) == 0 {
		return models.EngineVariantAsset{}, false
	}

	wantCuda := ""
	if host.CUDADriverVersion != "" {
		wantCuda = "cuda-" + strings.ReplaceAll(SuitableCudaToolkit(host.CUDADriverVersion), ".", "-")
	}
	if wantCuda != "" && wantCuda != "cuda-" {
		if cuda := filter(candidates, func(a models.EngineVariantAsset) bool {
			return strings.Contains(a.Name, wantCuda)
		}); len(cuda) > 0 {
			candidates = cuda
		} else {
			candidates = noCuda(candidates)
		}
	} else {
		candidates = noCuda(candidates)
	}
	if len(candidates) == 0 {
		return models.EngineVariantAsset{}, false
	}

	// Walk ISA levels from the host's best downward; an asset that names
	// no level at all is acceptable at any point.
	best := SuitableAVX(host)
	start := 0
	for i, lvl := range avxLevels {
		if lvl == best {
			start = i
			break
		}
	}
	for _, lvl := range avxLevels[start:] {
		if byISA := filter(candidates, func(a models.EngineVariantAsset) bool {
			return strings.Contains(a.Name, lvl)
		}); len(byISA) > 0 {
			candidates = byISA
			break
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		hi, hj := perfHint(candidates[i].Name), perfHint(candidates[j].Name)
		if hi != hj {
			return hi > hj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0], true
}

// perfHint ranks the performance markers found in asset names.
func perfHint(name string) int {
	switch {
	case strings.Contains(name, "cuda"):
		return 3
	case strings.Contains(name, "vulkan"):
		return 2
	case strings.Contains(name, "avx512"):
		return 1
	default:
		return 0
	}
}

func filter(in []models.EngineVariantAsset, keep func(models.EngineVariantAsset) bool) []models.EngineVariantAsset {
	var out []models.EngineVariantAsset
	for _, a := range in {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func noCuda(in []models.EngineVariantAsset) []models.EngineVariantAsset {
	return filter(in, func(a models.EngineVariantAsset) bool {
		return !strings.Contains(a.Name, "cuda")
	})
}

// VariantFromAssetName strips the family prefix, version, and archive
// suffix, leaving the bare variant tag (e.g. "linux-amd64-avx2").
func VariantFromAssetName(name, family, version string) string {
	v := strings.TrimSuffix(name, ".tar.gz")
	v = strings.TrimPrefix(v, family+"-")
	v = strings.TrimPrefix(v, strings.TrimPrefix(version, "v")+"-")
	v = strings.TrimPrefix(v, "v"+strings.TrimPrefix(version, "v")+"-")
	return v
}
