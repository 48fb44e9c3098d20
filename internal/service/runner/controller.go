// Package runner implements the run lifecycle: deciding whether a run may
// start, reclaiming stale locks, launching the script and cleaning up after
// it in the background.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/process"
	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/fsutil"
	"github.com/hugo-lorenzo-mato/xprun/internal/logging"
)

// HostSnapshotFunc returns a JSON description of the host, stored with each
// execution. It may return nil.
type HostSnapshotFunc func(ctx context.Context) json.RawMessage

// Controller owns the start/status decisions for all runs of one store.
//
// Start calls on one Controller are serialised. Two controllers in separate
// processes are not: both may see no lock and launch, in which case the
// second lock write fails and is reported in StartResult.LockErr.
type Controller struct {
	store    core.RunStore
	locks    core.LockFile
	prober   core.LivenessProber
	launcher core.ProcessLauncher
	history  core.ExecutionHistory
	logger   *logging.Logger
	host     HostSnapshotFunc
	now      func() time.Time

	statusConcurrency int

	startMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithHistory records every execution in h.
func WithHistory(h core.ExecutionHistory) Option {
	return func(c *Controller) {
		if h != nil {
			c.history = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHostSnapshot attaches a host snapshot to each recorded execution.
func WithHostSnapshot(fn HostSnapshotFunc) Option {
	return func(c *Controller) {
		c.host = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithStatusConcurrency bounds the number of parallel probes in StatusAll.
func WithStatusConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.statusConcurrency = n
		}
	}
}

// New creates a controller.
func New(store core.RunStore, locks core.LockFile, prober core.LivenessProber, launcher core.ProcessLauncher, opts ...Option) *Controller {
	c := &Controller{
		store:             store,
		locks:             locks,
		prober:            prober,
		launcher:          launcher,
		history:           nopHistory{},
		logger:            logging.NewNop(),
		now:               time.Now,
		statusConcurrency: 8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartResult describes a launched run.
type StartResult struct {
	RunID     core.RunID
	Name      string
	PID       int
	StartedAt time.Time
	LogPath   string

	// Reclaimed is the stale lock removed before launching, if any.
	Reclaimed *core.LockInfo
	// LockErr is set when the lock could not be written after launch. The
	// process keeps running unprotected.
	LockErr error

	ExecutionID int64

	done    chan struct{}
	outcome Outcome
}

// Outcome is what the background task observed after the process exited.
type Outcome struct {
	Exit           core.ExitStatus
	FinishedAt     time.Time
	ResultAttached bool
	// Err collects cleanup failures (lock release, result attachment).
	Err error
}

// Done is closed once the background task finished its cleanup.
func (r *StartResult) Done() <-chan struct{} {
	return r.done
}

// Outcome waits for the background task and returns what it observed.
func (r *StartResult) Outcome() Outcome {
	<-r.done
	return r.outcome
}

// Start launches run id unless it is already running.
func (c *Controller) Start(ctx context.Context, id core.RunID) (*StartResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	logger := c.logger.WithRun(string(id))

	lock, corrupted, err := c.readLock(ctx, id)
	if err != nil {
		return nil, err
	}
	if lock != nil && process.Owns(ctx, c.prober, lock) {
		return nil, core.ErrAlreadyRunning(id, lock.PID)
	}

	// Metadata is checked before touching a stale lock so an unknown run
	// leaves the filesystem as it was.
	rec, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	var reclaimed *core.LockInfo
	if lock != nil || corrupted {
		reclaimed, err = c.reclaim(ctx, logger, rec, lock)
		if err != nil {
			return nil, err
		}
	}

	logPath := c.store.LogPath(id)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, core.ErrIO("creating log file", err)
	}

	launchedAt := c.now()
	handle, err := c.launcher.Launch(ctx, core.LaunchSpec{
		RunID:      id,
		WorkDir:    c.store.Dir(id),
		ScriptPath: rec.ScriptPath,
		Args:       rec.Args,
		Env: []string{
			process.EnvRunID + "=" + string(id),
			process.EnvRunDir + "=" + c.store.Dir(id),
			process.EnvResultFile + "=" + c.store.ResultPath(rec),
		},
		Log: logFile,
	})
	// The child holds its own descriptor.
	if closeErr := logFile.Close(); closeErr != nil {
		logger.Warn("closing log file", "error", closeErr)
	}
	if err != nil {
		return nil, core.ErrSpawn(id, err)
	}

	pid := handle.PID()
	info := core.LockInfo{PID: pid, AcquiredAt: launchedAt}
	if started, err := c.prober.StartTime(ctx, pid); err == nil {
		info.ProcessStart = started
	}

	res := &StartResult{
		RunID:     id,
		Name:      rec.Name,
		PID:       pid,
		StartedAt: launchedAt,
		LogPath:   logPath,
		Reclaimed: reclaimed,
		done:      make(chan struct{}),
	}

	if err := c.locks.Acquire(ctx, id, info); err != nil {
		res.LockErr = err
		logger.Warn("run started without lock", "pid", pid, "error", err)
	}

	exec := &core.Execution{RunID: id, PID: pid, StartedAt: launchedAt}
	if c.host != nil {
		exec.Host = c.host(ctx)
	}
	if execID, err := c.history.Begin(ctx, exec); err != nil {
		logger.Warn("recording execution", "error", err)
	} else {
		res.ExecutionID = execID
	}

	logger.Info("run started", "pid", pid, "log", logPath)

	c.wg.Add(1)
	go c.supervise(context.WithoutCancel(ctx), logger, rec, handle, res)

	return res, nil
}

// StartLatest starts the run whose directory was modified most recently.
func (c *Controller) StartLatest(ctx context.Context) (*StartResult, error) {
	id, err := c.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return c.Start(ctx, id)
}

// Wait blocks until every background task started by this controller has
// finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// readLock returns the current lock. A corrupted lock is reported through
// the second result: it cannot name a live process and is reclaimed.
func (c *Controller) readLock(ctx context.Context, id core.RunID) (*core.LockInfo, bool, error) {
	lock, err := c.locks.Read(ctx, id)
	if err != nil {
		if core.HasCode(err, core.CodeLockCorrupted) {
			c.logger.Warn("lock file is corrupted", "run_id", id, "error", err)
			return nil, true, nil
		}
		return nil, false, err
	}
	return lock, false, nil
}

// reclaim cleans up after a process that died without its background task
// running: it harvests a result the process may have written, closes its
// open executions and removes the lock.
func (c *Controller) reclaim(ctx context.Context, logger *logging.Logger, rec *core.RunRecord, lock *core.LockInfo) (*core.LockInfo, error) {
	now := c.now()
	reclaimed := &core.LockInfo{}
	if lock != nil {
		reclaimed = lock
		if _, err := c.harvest(ctx, rec, lock.AcquiredAt); err != nil {
			logger.Warn("harvesting result of stale run", "error", err)
		}
	}

	if n, err := c.history.Abandon(ctx, rec.ID, now); err != nil {
		logger.Warn("marking executions abandoned", "error", err)
	} else if n > 0 {
		logger.Debug("executions abandoned", "count", n)
	}

	if err := c.locks.Release(ctx, rec.ID); err != nil {
		return nil, err
	}
	logger.Info("stale lock reclaimed", "pid", reclaimed.PID, "acquired_at", reclaimed.AcquiredAt)
	return reclaimed, nil
}

// supervise waits for the process, releases the lock and attaches the
// result. It never panics out.
func (c *Controller) supervise(ctx context.Context, logger *logging.Logger, rec *core.RunRecord, handle core.ProcessHandle, res *StartResult) {
	defer c.wg.Done()
	defer close(res.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background task panicked", "panic", fmt.Sprint(r))
			res.outcome.Err = errors.Join(res.outcome.Err, fmt.Errorf("panic: %v", r))
		}
	}()

	exit := handle.Wait()
	finishedAt := c.now()
	res.outcome.Exit = exit
	res.outcome.FinishedAt = finishedAt

	var errs []error
	if res.LockErr == nil {
		if err := c.locks.Release(ctx, rec.ID); err != nil {
			logger.Error("releasing lock", "error", err)
			errs = append(errs, err)
		}
	}

	if res.ExecutionID != 0 {
		status := core.ExecutionSucceeded
		if !exit.Success() {
			status = core.ExecutionFailed
		}
		var code *int
		var msg string
		if exit.Err != nil {
			msg = exit.Err.Error()
		} else {
			exitCode := exit.Code
			code = &exitCode
		}
		if err := c.history.Finish(ctx, res.ExecutionID, status, code, msg, finishedAt); err != nil {
			logger.Warn("recording execution end", "error", err)
		}
	}

	attached, err := c.harvest(ctx, rec, res.StartedAt)
	if err != nil {
		logger.Warn("attaching result", "error", err)
		errs = append(errs, err)
	}
	res.outcome.ResultAttached = attached
	res.outcome.Err = errors.Join(errs...)

	logger.Info("run finished",
		"pid", res.PID,
		"exit_code", exit.Code,
		"duration", finishedAt.Sub(res.StartedAt).Round(time.Millisecond),
		"result", attached,
	)
}

// harvest attaches the run's result file if it was written at or after
// since. Older files belong to a previous execution. A missing file is not
// an error.
func (c *Controller) harvest(ctx context.Context, rec *core.RunRecord, since time.Time) (bool, error) {
	dir := c.store.Dir(rec.ID)
	name := c.store.ResultFileName(rec)

	info, err := fsutil.StatInRoot(dir, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, core.ErrIO("inspecting result file", err)
	}
	// Filesystems with coarse timestamps round mtimes down to the second.
	if info.ModTime().Before(since.Truncate(time.Second)) {
		return false, nil
	}

	data, err := fsutil.ReadFileInRoot(dir, name)
	if err != nil {
		return false, core.ErrIO("reading result file", err)
	}
	if err := c.store.AttachResult(ctx, rec.ID, data); err != nil {
		return false, err
	}
	return true, nil
}

// Status reports whether run id is running. It never modifies anything; a
// lock whose process is gone is reported as Stale.
func (c *Controller) Status(ctx context.Context, id core.RunID) (*core.RunStatus, error) {
	rec, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &core.RunStatus{RunID: id, Name: rec.Name, State: core.RunStateIdle}
	lock, corrupted, err := c.readLock(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case corrupted:
		st.Stale = true
	case lock == nil:
	case process.Owns(ctx, c.prober, lock):
		st.State = core.RunStateRunning
		st.PID = lock.PID
		st.Since = lock.AcquiredAt
	default:
		st.Stale = true
		st.PID = lock.PID
		st.Since = lock.AcquiredAt
	}
	return st, nil
}

// StatusAll reports the status of every registered run, in listing order.
func (c *Controller) StatusAll(ctx context.Context) ([]core.RunStatus, error) {
	runs, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]core.RunStatus, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.statusConcurrency)
	for i, run := range runs {
		g.Go(func() error {
			st, err := c.Status(gctx, run.ID)
			if err != nil {
				if core.IsNotFound(err) {
					// Deleted while listing.
					statuses[i] = core.RunStatus{RunID: run.ID, Name: run.Name, State: core.RunStateIdle}
					return nil
				}
				return fmt.Errorf("status of %s: %w", run.ID, err)
			}
			statuses[i] = *st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

type nopHistory struct{}

func (nopHistory) Begin(context.Context, *core.Execution) (int64, error) { return 0, nil }
func (nopHistory) Finish(context.Context, int64, core.ExecutionStatus, *int, string, time.Time) error {
	return nil
}
func (nopHistory) Abandon(context.Context, core.RunID, time.Time) (int, error) { return 0, nil }
func (nopHistory) List(context.Context, core.RunID, int) ([]core.Execution, error) {
	return nil, nil
}
func (nopHistory) DeleteRun(context.Context, core.RunID) error { return nil }

func (nopHistory) Close() error { return nil }
