// Package hardware probes the host the control plane runs on. The registry
// matches engine variants against the descriptor produced here; the probe is
// run once at startup and persisted in the entity store.
package hardware

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/janhq/cortex/pkg/models"
)

// Probe collects the host descriptor. Failures in individual probes degrade
// to empty fields rather than failing the whole call.
func Probe(ctx context.Context) models.HostDescriptor {
	desc := models.HostDescriptor{
		OS:   normalizeOS(runtime.GOOS),
		Arch: normalizeArch(runtime.GOARCH),
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		desc.CPUModel = infos[0].ModelName
		desc.Flags = lowerAll(infos[0].Flags)
	} else if err != nil {
		log.Warn().Err(err).Msg("CPU probe failed")
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		desc.Cores = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		desc.TotalRAMBytes = vm.Total
	}
	desc.CUDADriverVersion = cudaDriverVersion(ctx)
	return desc
}

// cudaDriverVersion shells out to nvidia-smi; an empty string means no
// usable CUDA driver.
func cudaDriverVersion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=driver_version", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// normalizeOS maps GOOS onto the asset-name vocabulary used by engine
// release archives.
func normalizeOS(goos string) string {
	switch goos {
	case "darwin":
		return "mac"
	default:
		return goos
	}
}

// normalizeArch maps GOARCH onto the asset-name vocabulary.
func normalizeArch(goarch string) string {
	switch goarch {
	case "arm64":
		return "arm64"
	default:
		return "amd64"
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
