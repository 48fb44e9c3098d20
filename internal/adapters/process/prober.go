// Package process launches run subprocesses and probes the OS process table.
package process

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

// Prober implements core.LivenessProber on top of gopsutil. Every call hits
// the process table.
type Prober struct{}

// NewProber creates a liveness prober.
func NewProber() *Prober {
	return &Prober{}
}

// IsAlive reports whether pid names a running process. Zombies are dead:
// they have exited and only wait to be reaped by their parent.
func (p *Prober) IsAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		// Status is not available on every platform; existence is enough.
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// StartTime returns the create time of pid in epoch milliseconds.
func (p *Prober) StartTime(ctx context.Context, pid int) (int64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, err
	}
	return proc.CreateTimeWithContext(ctx)
}

// startTimeTolerance absorbs clock-tick rounding in create times (ms).
const startTimeTolerance = 1000

// Owns reports whether the process named in info is still the one that
// wrote the lock: alive and, when the lock recorded a start time, started at
// that time. A different start time means the pid was reused.
func Owns(ctx context.Context, p core.LivenessProber, info *core.LockInfo) bool {
	if info == nil || !p.IsAlive(ctx, info.PID) {
		return false
	}
	if info.ProcessStart == 0 {
		return true
	}
	started, err := p.StartTime(ctx, info.PID)
	if err != nil {
		return true
	}
	diff := started - info.ProcessStart
	if diff < 0 {
		diff = -diff
	}
	return diff <= startTimeTolerance
}

var _ core.LivenessProber = (*Prober)(nil)
