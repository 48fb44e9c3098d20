package diagnostics

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
)

// GPUInfo holds GPU information (best-effort).
type GPUInfo struct {
	Name       string  `json:"name"`
	MemTotalMB float64 `json:"mem_total_mb,omitempty"`
	MemUsedMB  float64 `json:"mem_used_mb,omitempty"`
	UtilPct    float64 `json:"util_percent,omitempty"`
	Driver     string  `json:"driver,omitempty"`
}

func queryGPUs(ctx context.Context) []GPUInfo {
	if gpus := queryNvidiaSMI(ctx); len(gpus) > 0 {
		return gpus
	}
	return queryGhwGPU()
}

func queryNvidiaSMI(ctx context.Context) []GPUInfo {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,utilization.gpu,driver_version",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseNvidiaCSV(string(out))
}

func parseNvidiaCSV(out string) []GPUInfo {
	var gpus []GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			continue
		}
		gpus = append(gpus, GPUInfo{
			Name:       strings.TrimSpace(fields[0]),
			MemTotalMB: parseFloatField(fields[1]),
			MemUsedMB:  parseFloatField(fields[2]),
			UtilPct:    parseFloatField(fields[3]),
			Driver:     strings.TrimSpace(fields[4]),
		})
	}
	return gpus
}

func queryGhwGPU() []GPUInfo {
	info, err := ghw.GPU()
	if err != nil || info == nil || len(info.GraphicsCards) == 0 {
		return nil
	}

	gpus := make([]GPUInfo, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if card.DeviceInfo != nil {
			var parts []string
			if card.DeviceInfo.Vendor != nil {
				parts = append(parts, card.DeviceInfo.Vendor.Name)
			}
			if card.DeviceInfo.Product != nil {
				parts = append(parts, card.DeviceInfo.Product.Name)
			}
			name = strings.TrimSpace(strings.Join(parts, " "))
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		gpus = append(gpus, GPUInfo{Name: name})
	}
	return gpus
}

// parseFloatField parses a CSV cell; "[N/A]" and friends yield zero.
func parseFloatField(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
