// Package lockfile implements the per-run lock file recording the pid of
// the process currently executing the run.
package lockfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

// PathFunc maps a run to the location of its lock file.
type PathFunc func(id core.RunID) string

// Manager implements core.LockFile.
type Manager struct {
	path PathFunc
}

// New creates a lock manager resolving lock paths with path.
func New(path PathFunc) *Manager {
	return &Manager{path: path}
}

// Acquire creates the lock file exclusively. The run directory must already
// exist; a missing directory means the run is not registered.
func (m *Manager) Acquire(_ context.Context, id core.RunID, info core.LockInfo) error {
	lockPath := m.path(id)
	if _, err := os.Stat(filepath.Dir(lockPath)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrNotFound("run", string(id))
		}
		return core.ErrIO("inspecting run directory", err)
	}

	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return core.ErrLockHeld(id)
		}
		return core.ErrIO("creating lock file", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return core.ErrIO("writing lock file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return core.ErrIO("closing lock file", err)
	}
	return nil
}

// Read returns the lock content, or nil when the run holds no lock.
func (m *Manager) Read(_ context.Context, id core.RunID) (*core.LockInfo, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, core.ErrIO("reading lock file", err)
	}

	info, err := Parse(data)
	if err != nil {
		return nil, core.ErrState(core.CodeLockCorrupted,
			fmt.Sprintf("lock file of run %s is unreadable", id)).WithCause(err)
	}
	return info, nil
}

// Release removes the lock file. A missing lock is not an error.
func (m *Manager) Release(_ context.Context, id core.RunID) error {
	if err := os.Remove(m.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return core.ErrIO("removing lock file", err)
	}
	return nil
}

// Parse decodes lock content. Besides the JSON form, a bare decimal pid is
// accepted, which is what lock files written by hand or by older tools hold.
func Parse(data []byte) (*core.LockInfo, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty lock file")
	}

	if trimmed[0] != '{' {
		pid, err := strconv.Atoi(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parsing pid: %w", err)
		}
		if pid <= 0 {
			return nil, fmt.Errorf("invalid pid %d", pid)
		}
		return &core.LockInfo{PID: pid}, nil
	}

	var info core.LockInfo
	if err := json.Unmarshal(trimmed, &info); err != nil {
		return nil, fmt.Errorf("parsing lock info: %w", err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("invalid pid %d", info.PID)
	}
	return &info, nil
}

var _ core.LockFile = (*Manager)(nil)
