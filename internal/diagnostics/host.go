package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot describes the machine at the time a run was launched.
type HostSnapshot struct {
	CollectedAt time.Time `json:"collected_at"`

	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`

	// CPU
	CPUModel   string  `json:"cpu_model,omitempty"`
	CPUCores   int     `json:"cpu_cores,omitempty"`
	CPUThreads int     `json:"cpu_threads,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`

	// Memory (in MB)
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	// Disk holding the runs directory (in GB)
	DiskPath    string  `json:"disk_path,omitempty"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
	DiskPercent float64 `json:"disk_percent"`

	// Load average (Unix)
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	GPUs []GPUInfo `json:"gpus,omitempty"`
}

// JSON encodes the snapshot for the execution history.
func (s *HostSnapshot) JSON() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return data
}

// Collector gathers host snapshots.
type Collector struct {
	diskPath   string
	gpuTimeout time.Duration
	skipGPU    bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithDiskPath selects the filesystem whose usage is reported.
func WithDiskPath(path string) CollectorOption {
	return func(c *Collector) {
		if path != "" {
			c.diskPath = path
		}
	}
}

// WithoutGPU skips GPU discovery.
func WithoutGPU() CollectorOption {
	return func(c *Collector) {
		c.skipGPU = true
	}
}

// NewCollector creates a host snapshot collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		diskPath:   rootDiskPath(),
		gpuTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect takes a snapshot. It never fails; probes that error are skipped.
func (c *Collector) Collect(ctx context.Context) *HostSnapshot {
	snap := &HostSnapshot{
		CollectedAt: time.Now(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
	}
	snap.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
	}

	c.collectCPU(ctx, snap)
	c.collectMemory(ctx, snap)
	c.collectDisk(ctx, snap)
	c.collectLoad(ctx, snap)

	if !c.skipGPU {
		gctx, cancel := context.WithTimeout(ctx, c.gpuTimeout)
		snap.GPUs = queryGPUs(gctx)
		cancel()
	}
	return snap
}

func (c *Collector) collectCPU(ctx context.Context, snap *HostSnapshot) {
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if cores, err := cpu.CountsWithContext(ctx, false); err == nil {
		snap.CPUCores = cores
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUThreads = threads
	}
	// Zero interval compares against the previous call (or boot).
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
}

func (c *Collector) collectMemory(ctx context.Context, snap *HostSnapshot) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return
	}
	snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
	snap.MemUsedMB = float64(vm.Used) / 1024 / 1024
	snap.MemPercent = vm.UsedPercent
}

func (c *Collector) collectDisk(ctx context.Context, snap *HostSnapshot) {
	path := existingParent(c.diskPath)
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return
	}
	snap.DiskPath = path
	snap.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
	snap.DiskFreeGB = float64(usage.Free) / 1024 / 1024 / 1024
	snap.DiskPercent = usage.UsedPercent
}

func (c *Collector) collectLoad(ctx context.Context, snap *HostSnapshot) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return
	}
	snap.LoadAvg1 = avg.Load1
	snap.LoadAvg5 = avg.Load5
	snap.LoadAvg15 = avg.Load15
}

// existingParent walks up path until it finds something that exists, so a
// runs directory that was never created still reports its filesystem.
func existingParent(path string) string {
	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
