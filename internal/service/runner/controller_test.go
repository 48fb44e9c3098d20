//go:build !windows

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/history"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/lockfile"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/process"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/runstore"
	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

type testEnv struct {
	store *runstore.Store
	locks *lockfile.Manager
	ctrl  *Controller
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := runstore.New(filepath.Join(t.TempDir(), "experiment"))
	locks := lockfile.New(store.LockPath)
	launcher := process.NewLauncher([]string{"/bin/sh"}, nil, nil)
	ctrl := New(store, locks, process.NewProber(), launcher, opts...)
	t.Cleanup(ctrl.Wait)
	return &testEnv{store: store, locks: locks, ctrl: ctrl}
}

func (e *testEnv) addRun(t *testing.T, id core.RunID, script string, args ...string) *core.RunRecord {
	t.Helper()
	rec := &core.RunRecord{
		ID:         id,
		Name:       "run " + string(id),
		ScriptPath: "job.sh",
		Args:       args,
		Timestamp:  time.Now(),
	}
	require.NoError(t, e.store.Save(context.Background(), rec))
	e.writeScript(t, id, script)
	return rec
}

func (e *testEnv) writeScript(t *testing.T, id core.RunID, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Dir(id), "job.sh"), []byte(script), 0o644))
}

func (e *testEnv) writeLock(t *testing.T, id core.RunID, info core.LockInfo) {
	t.Helper()
	require.NoError(t, e.locks.Acquire(context.Background(), id, info))
}

func waitDone(t *testing.T, res *StartResult) Outcome {
	t.Helper()
	select {
	case <-res.Done():
		return res.Outcome()
	case <-time.After(10 * time.Second):
		t.Fatal("background task did not finish")
		return Outcome{}
	}
}

// deadPID returns the pid of a process that has exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func TestController_StartEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", `echo "args: $@"
printf '{"acc":0.9}' > "$XPRUN_RESULT_FILE"
`, "--x=1")

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	assert.Greater(t, res.PID, 0)
	assert.Nil(t, res.Reclaimed)
	assert.NoError(t, res.LockErr)
	assert.Equal(t, e.store.LogPath("r1"), res.LogPath)

	out := waitDone(t, res)
	assert.True(t, out.Exit.Success())
	assert.True(t, out.ResultAttached)
	assert.NoError(t, out.Err)

	assert.NoFileExists(t, e.store.LockPath("r1"))

	rec, err := e.store.Load(ctx, "r1")
	require.NoError(t, err)
	require.True(t, rec.HasResult())
	assert.JSONEq(t, `{"acc":0.9}`, string(rec.Result))

	log, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "args: --x=1")
}

func TestController_LockReleasedAfterExit(t *testing.T) {
	e := newTestEnv(t)
	e.addRun(t, "noop", "exit 0\n")

	_, err := e.ctrl.Start(context.Background(), "noop")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(e.store.LockPath("noop"))
		return errors.Is(err, os.ErrNotExist)
	}, 10*time.Second, 20*time.Millisecond)
}

func TestController_SingleFlight(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exec sleep 30\n")

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	t.Cleanup(func() { killGroup(res.PID) })

	_, err = e.ctrl.Start(ctx, "r1")
	require.Error(t, err)
	assert.True(t, core.IsAlreadyRunning(err))
	assert.Contains(t, err.Error(), "pid")

	var domErr *core.DomainError
	require.True(t, errors.As(err, &domErr))
	assert.Equal(t, res.PID, domErr.Details["pid"])

	// The rejected start left the running lock untouched.
	info, err := e.locks.Read(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, res.PID, info.PID)

	killGroup(res.PID)
	out := waitDone(t, res)
	assert.False(t, out.Exit.Success())
	assert.NoFileExists(t, e.store.LockPath("r1"))
}

func TestController_StaleLockReclaimed(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	stale := deadPID(t)
	e.writeLock(t, "r1", core.LockInfo{PID: stale, AcquiredAt: time.Now().Add(-time.Hour)})

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, res.Reclaimed)
	assert.Equal(t, stale, res.Reclaimed.PID)
	assert.NotEqual(t, stale, res.PID)

	waitDone(t, res)
	assert.NoFileExists(t, e.store.LockPath("r1"))
}

func TestController_StaleLockWithBarePID(t *testing.T) {
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	stale := deadPID(t)
	require.NoError(t, os.WriteFile(e.store.LockPath("r1"), []byte(strconv.Itoa(stale)+"\n"), 0o644))

	res, err := e.ctrl.Start(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, res.Reclaimed)
	assert.Equal(t, stale, res.Reclaimed.PID)
	waitDone(t, res)
}

func TestController_CorruptedLockReclaimed(t *testing.T) {
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")
	require.NoError(t, os.WriteFile(e.store.LockPath("r1"), []byte("not a pid"), 0o644))

	res, err := e.ctrl.Start(context.Background(), "r1")
	require.NoError(t, err)
	assert.NotNil(t, res.Reclaimed)
	waitDone(t, res)
	assert.NoFileExists(t, e.store.LockPath("r1"))
}

func TestController_ReusedPIDIsNotOwner(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	// Our own pid is alive, but it started long after this lock was written.
	started, err := process.NewProber().StartTime(ctx, os.Getpid())
	require.NoError(t, err)
	e.writeLock(t, "r1", core.LockInfo{PID: os.Getpid(), ProcessStart: started - int64(time.Hour/time.Millisecond)})

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, res.Reclaimed)
	waitDone(t, res)
}

func TestController_StaleLockHarvestsResult(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	e.writeLock(t, "r1", core.LockInfo{PID: deadPID(t), AcquiredAt: time.Now().Add(-time.Minute)})
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Dir("r1"), "metrics.json"), []byte(`{"loss":0.1}`), 0o644))

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	waitDone(t, res)

	rec, err := e.store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"loss":0.1}`, string(rec.Result))
}

func TestController_MissingMetadata(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	_, err := e.ctrl.Start(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.NoDirExists(t, e.store.Dir("ghost"))

	// A stale lock of an unregistered run is left in place.
	require.NoError(t, os.MkdirAll(e.store.Dir("orphan"), 0o755))
	e.writeLock(t, "orphan", core.LockInfo{PID: deadPID(t)})
	_, err = e.ctrl.Start(ctx, "orphan")
	assert.True(t, core.IsNotFound(err))
	assert.FileExists(t, e.store.LockPath("orphan"))
	assert.NoFileExists(t, e.store.LogPath("orphan"))
}

func TestController_ResultAttachmentIdempotence(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	out := waitDone(t, res)
	assert.False(t, out.ResultAttached)

	rec, err := e.store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rec.HasResult())

	e.writeScript(t, "r1", `printf '{"acc":0.9}' > metrics.json`+"\n")
	res, err = e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	out = waitDone(t, res)
	assert.True(t, out.ResultAttached)

	rec, err = e.store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"acc":0.9}`, string(rec.Result))
}

func TestController_OldResultFileIgnored(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "exit 0\n")

	result := filepath.Join(e.store.Dir("r1"), "metrics.json")
	require.NoError(t, os.WriteFile(result, []byte(`{"acc":0.1}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(result, old, old))

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	out := waitDone(t, res)
	assert.False(t, out.ResultAttached)

	rec, err := e.store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rec.HasResult())
}

func TestController_InvalidResultReported(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "echo 'not json' > metrics.json\n")

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	out := waitDone(t, res)
	assert.False(t, out.ResultAttached)
	assert.Error(t, out.Err)
	assert.NoFileExists(t, e.store.LockPath("r1"))
}

func TestController_LogRecreatedOnStart(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "r1", "echo second\n")
	require.NoError(t, os.WriteFile(e.store.LogPath("r1"), []byte("first execution output\n"), 0o644))

	res, err := e.ctrl.Start(ctx, "r1")
	require.NoError(t, err)
	waitDone(t, res)

	log, err := os.ReadFile(e.store.LogPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(log))
}

func TestController_SpawnFailure(t *testing.T) {
	ctx := context.Background()
	store := runstore.New(filepath.Join(t.TempDir(), "experiment"))
	locks := lockfile.New(store.LockPath)
	launcher := process.NewLauncher([]string{filepath.Join(t.TempDir(), "missing-python")}, nil, nil)
	ctrl := New(store, locks, process.NewProber(), launcher)

	rec := &core.RunRecord{ID: "r1", Name: "r1", ScriptPath: "job.py", Timestamp: time.Now()}
	require.NoError(t, store.Save(ctx, rec))

	_, err := ctrl.Start(ctx, "r1")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeSpawnFailed))
	assert.True(t, core.IsCategory(err, core.ErrCatExecution))
	assert.NoFileExists(t, store.LockPath("r1"))
}

func TestController_InvalidID(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.ctrl.Start(context.Background(), "../etc")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestController_StartLatest(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "old", "exit 0\n")
	e.addRun(t, "new", "exit 0\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(e.store.Dir("old"), past, past))

	res, err := e.ctrl.StartLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.RunID("new"), res.RunID)
	waitDone(t, res)
}

func TestController_StartLatestEmpty(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.ctrl.StartLatest(context.Background())
	assert.True(t, core.IsNotFound(err))
}

func TestController_Status(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	e.addRun(t, "idle", "exit 0\n")
	e.addRun(t, "busy", "exec sleep 30\n")
	e.addRun(t, "stale", "exit 0\n")

	st, err := e.ctrl.Status(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, core.RunStateIdle, st.State)
	assert.False(t, st.Stale)

	res, err := e.ctrl.Start(ctx, "busy")
	require.NoError(t, err)
	t.Cleanup(func() { killGroup(res.PID) })

	st, err = e.ctrl.Status(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, core.RunStateRunning, st.State)
	assert.Equal(t, res.PID, st.PID)

	e.writeLock(t, "stale", core.LockInfo{PID: deadPID(t)})
	st, err = e.ctrl.Status(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, core.RunStateIdle, st.State)
	assert.True(t, st.Stale)
	// Status is read-only.
	assert.FileExists(t, e.store.LockPath("stale"))

	all, err := e.ctrl.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	states := map[core.RunID]core.RunState{}
	for _, s := range all {
		states[s.RunID] = s.State
	}
	assert.Equal(t, core.RunStateRunning, states["busy"])
	assert.Equal(t, core.RunStateIdle, states["idle"])
	assert.Equal(t, core.RunStateIdle, states["stale"])

	killGroup(res.PID)
	waitDone(t, res)
	st, err = e.ctrl.Status(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, core.RunStateIdle, st.State)
}

func TestController_StatusNotFound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.ctrl.Status(context.Background(), "ghost")
	assert.True(t, core.IsNotFound(err))
}

func TestController_History(t *testing.T) {
	ctx := context.Background()
	h, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	e := newTestEnv(t,
		WithHistory(h),
		WithHostSnapshot(func(context.Context) json.RawMessage { return json.RawMessage(`{"os":"test"}`) }),
	)
	e.addRun(t, "ok", "exit 0\n")
	e.addRun(t, "bad", "exit 3\n")
	e.addRun(t, "lost", "exit 0\n")

	for _, id := range []core.RunID{"ok", "bad"} {
		res, err := e.ctrl.Start(ctx, id)
		require.NoError(t, err)
		assert.NotZero(t, res.ExecutionID)
		waitDone(t, res)
	}

	execs, err := h.List(ctx, "ok", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionSucceeded, execs[0].Status)
	require.NotNil(t, execs[0].ExitCode)
	assert.Equal(t, 0, *execs[0].ExitCode)
	assert.JSONEq(t, `{"os":"test"}`, string(execs[0].Host))

	execs, err = h.List(ctx, "bad", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
	assert.Equal(t, 3, *execs[0].ExitCode)

	// An execution whose process vanished is closed when its lock is reclaimed.
	stale := deadPID(t)
	_, err = h.Begin(ctx, &core.Execution{RunID: "lost", PID: stale, StartedAt: time.Now()})
	require.NoError(t, err)
	e.writeLock(t, "lost", core.LockInfo{PID: stale})

	res, err := e.ctrl.Start(ctx, "lost")
	require.NoError(t, err)
	waitDone(t, res)

	execs, err = h.List(ctx, "lost", 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, core.ExecutionSucceeded, execs[0].Status)
	assert.Equal(t, core.ExecutionAbandoned, execs[1].Status)
}
