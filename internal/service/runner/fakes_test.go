package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/runstore"
	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

type fakeHandle struct {
	pid  int
	wait func() core.ExitStatus
}

func (h *fakeHandle) PID() int {
	return h.pid
}

func (h *fakeHandle) Wait() core.ExitStatus {
	return h.wait()
}

type fakeLauncher struct {
	handle *fakeHandle
	specs  []core.LaunchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec core.LaunchSpec) (core.ProcessHandle, error) {
	l.specs = append(l.specs, spec)
	return l.handle, nil
}

type fakeProber struct {
	alive map[int]bool
}

func (p *fakeProber) IsAlive(_ context.Context, pid int) bool { return p.alive[pid] }
func (p *fakeProber) StartTime(context.Context, int) (int64, error) {
	return 0, errors.New("unsupported")
}

type fakeLocks struct {
	mu         sync.Mutex
	acquireErr error
	held       map[core.RunID]*core.LockInfo
	released   []core.RunID
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[core.RunID]*core.LockInfo{}}
}

func (l *fakeLocks) Acquire(_ context.Context, id core.RunID, info core.LockInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return l.acquireErr
	}
	if _, ok := l.held[id]; ok {
		return core.ErrLockHeld(id)
	}
	l.held[id] = &info
	return nil
}

func (l *fakeLocks) Read(_ context.Context, id core.RunID) (*core.LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id], nil
}

func (l *fakeLocks) Release(_ context.Context, id core.RunID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	l.released = append(l.released, id)
	return nil
}

func (l *fakeLocks) releasedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.released)
}

func newFakeStore(t *testing.T, id core.RunID) *runstore.Store {
	t.Helper()
	store := runstore.New(filepath.Join(t.TempDir(), "experiment"))
	rec := &core.RunRecord{ID: id, Name: string(id), ScriptPath: "train.py", Args: []string{"--epochs", "1"}, Timestamp: time.Now()}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return store
}

func waitOrFail(t *testing.T, res *StartResult) Outcome {
	t.Helper()
	select {
	case <-res.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("background task did not finish")
	}
	return res.Outcome()
}

func TestController_LockFailureIsNonFatal(t *testing.T) {
	store := newFakeStore(t, "r1")
	locks := newFakeLocks()
	locks.acquireErr = core.ErrLockHeld("r1")
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 4242, wait: func() core.ExitStatus { return core.ExitStatus{} }}}
	ctrl := New(store, locks, &fakeProber{}, launcher)

	res, err := ctrl.Start(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.LockErr == nil {
		t.Error("LockErr = nil, want lock failure")
	}
	waitOrFail(t, res)

	// A lock we never wrote is not ours to remove.
	if n := locks.releasedCount(); n != 0 {
		t.Errorf("Release called %d times, want 0", n)
	}
}

func TestController_LaunchSpec(t *testing.T) {
	store := newFakeStore(t, "r1")
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 7, wait: func() core.ExitStatus { return core.ExitStatus{} }}}
	ctrl := New(store, newFakeLocks(), &fakeProber{}, launcher)

	res, err := ctrl.Start(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitOrFail(t, res)

	if len(launcher.specs) != 1 {
		t.Fatalf("launched %d times, want 1", len(launcher.specs))
	}
	spec := launcher.specs[0]
	if spec.WorkDir != store.Dir("r1") {
		t.Errorf("WorkDir = %q, want %q", spec.WorkDir, store.Dir("r1"))
	}
	if spec.ScriptPath != "train.py" {
		t.Errorf("ScriptPath = %q", spec.ScriptPath)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "--epochs" {
		t.Errorf("Args = %v", spec.Args)
	}
	env := map[string]bool{}
	for _, kv := range spec.Env {
		env[kv] = true
	}
	for _, kv := range []string{
		"XPRUN_RUN_ID=r1",
		"XPRUN_RUN_DIR=" + store.Dir("r1"),
		"XPRUN_RESULT_FILE=" + filepath.Join(store.Dir("r1"), "metrics.json"),
	} {
		if !env[kv] {
			t.Errorf("env %q missing from %v", kv, spec.Env)
		}
	}
}

func TestController_AlreadyRunningWithFakes(t *testing.T) {
	store := newFakeStore(t, "r1")
	locks := newFakeLocks()
	locks.held["r1"] = &core.LockInfo{PID: 99}
	launcher := &fakeLauncher{}
	ctrl := New(store, locks, &fakeProber{alive: map[int]bool{99: true}}, launcher)

	_, err := ctrl.Start(context.Background(), "r1")
	if !core.IsAlreadyRunning(err) {
		t.Fatalf("Start() error = %v, want already running", err)
	}
	if len(launcher.specs) != 0 {
		t.Error("launcher called for a running run")
	}
}

func TestController_PanicInBackgroundTaskIsRecovered(t *testing.T) {
	store := newFakeStore(t, "r1")
	locks := newFakeLocks()
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 5, wait: func() core.ExitStatus { panic("boom") }}}
	ctrl := New(store, locks, &fakeProber{}, launcher)

	res, err := ctrl.Start(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	out := waitOrFail(t, res)
	if out.Err == nil {
		t.Error("Outcome.Err = nil, want recovered panic")
	}
	ctrl.Wait()
}

func TestController_StartsAreSerialised(t *testing.T) {
	store := newFakeStore(t, "r1")
	locks := newFakeLocks()
	release := make(chan struct{})
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 11, wait: func() core.ExitStatus {
		<-release
		return core.ExitStatus{}
	}}}
	prober := &fakeProber{alive: map[int]bool{11: true}}
	ctrl := New(store, locks, prober, launcher)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = ctrl.Start(context.Background(), "r1")
		}()
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case !core.IsAlreadyRunning(err):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if started != 1 {
		t.Errorf("%d starts succeeded, want 1", started)
	}
	close(release)
	ctrl.Wait()
}
