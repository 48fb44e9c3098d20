package diagnostics

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCollector_Collect(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(WithDiskPath(filepath.Join(dir, "not", "yet", "created")), WithoutGPU())

	snap := c.Collect(context.Background())
	if snap.OS != runtime.GOOS {
		t.Errorf("OS = %q, want %q", snap.OS, runtime.GOOS)
	}
	if snap.Arch != runtime.GOARCH {
		t.Errorf("Arch = %q, want %q", snap.Arch, runtime.GOARCH)
	}
	if snap.CollectedAt.IsZero() {
		t.Error("CollectedAt not set")
	}
	if snap.DiskPath != dir {
		t.Errorf("DiskPath = %q, want %q", snap.DiskPath, dir)
	}
	if snap.GPUs != nil {
		t.Errorf("GPUs collected despite WithoutGPU: %v", snap.GPUs)
	}

	var decoded map[string]any
	if err := json.Unmarshal(snap.JSON(), &decoded); err != nil {
		t.Fatalf("snapshot JSON: %v", err)
	}
	if decoded["os"] != runtime.GOOS {
		t.Errorf("json os = %v", decoded["os"])
	}
}

func TestParseNvidiaCSV(t *testing.T) {
	out := "NVIDIA A100, 40960, 1024, 37, 535.104\nbad line\nTesla T4, [N/A], 0, 0, 470.1\n"
	gpus := parseNvidiaCSV(out)
	if len(gpus) != 2 {
		t.Fatalf("got %d gpus, want 2", len(gpus))
	}
	if gpus[0].Name != "NVIDIA A100" || gpus[0].MemTotalMB != 40960 || gpus[0].UtilPct != 37 {
		t.Errorf("unexpected first gpu: %+v", gpus[0])
	}
	if gpus[1].MemTotalMB != 0 || gpus[1].Driver != "470.1" {
		t.Errorf("unexpected second gpu: %+v", gpus[1])
	}
}

func TestExistingParent(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		in   string
		want string
	}{
		{dir, dir},
		{filepath.Join(dir, "a", "b"), dir},
	}
	for _, tt := range tests {
		if got := existingParent(tt.in); got != tt.want {
			t.Errorf("existingParent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
