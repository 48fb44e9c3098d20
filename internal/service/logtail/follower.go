// Package logtail streams a run's log sink while the run writes to it.
package logtail

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/logging"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 500 * time.Millisecond

// Options configures a Follower.
type Options struct {
	// Follow keeps streaming until the context is cancelled. When false the
	// current content is written and Follow returns.
	Follow bool
	// PollInterval bounds the delay between checks when change
	// notifications are unavailable or missed.
	PollInterval time.Duration
}

// Follower copies a log file to a writer as it grows.
type Follower struct {
	opts   Options
	logger *logging.Logger
}

// New creates a follower.
func New(opts Options, logger *logging.Logger) *Follower {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Follower{opts: opts, logger: logger}
}

// Follow writes the content of path to w, then every appended byte until
// ctx is cancelled, which is a normal return. If the file is truncated or
// replaced (a new execution of the run), streaming restarts from its
// beginning. A missing file is a not-found error.
func (f *Follower) Follow(ctx context.Context, path string, w io.Writer) error {
	path = filepath.Clean(path)
	t := &tail{path: path, w: w}
	if err := t.open(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrNotFound("log", path)
		}
		return core.ErrIO("opening log", err)
	}
	defer t.close()

	if err := t.drain(); err != nil {
		return err
	}
	if !f.opts.Follow {
		return nil
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: the file itself may be replaced.
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events, errs = watcher.Events, watcher.Errors
		} else {
			f.logger.Debug("watching log directory failed, polling", "error", err)
		}
	} else {
		f.logger.Debug("file notifications unavailable, polling", "error", err)
	}

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Bytes appended since the last wakeup still belong to the caller.
			_ = t.drain()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Debug("log watcher error", "error", err)
			continue
		case <-ticker.C:
		}

		if err := t.drain(); err != nil {
			return err
		}
	}
}

type tail struct {
	path   string
	w      io.Writer
	file   *os.File
	offset int64
}

func (t *tail) open() error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file = file
	t.offset = 0
	return nil
}

func (t *tail) close() {
	if t.file != nil {
		t.file.Close()
	}
}

// drain copies everything between the last read position and the end of
// the file.
func (t *tail) drain() error {
	current, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Between removal and recreation; wait for the next event.
			return nil
		}
		return core.ErrIO("inspecting log", err)
	}

	if t.file != nil {
		opened, err := t.file.Stat()
		if err != nil || !os.SameFile(current, opened) {
			t.file.Close()
			t.file = nil
		}
	}

	if t.file == nil {
		if err := t.open(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return core.ErrIO("reopening log", err)
		}
	} else if current.Size() < t.offset {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return core.ErrIO("rewinding log", err)
		}
		t.offset = 0
	}

	n, err := io.Copy(t.w, t.file)
	t.offset += n
	if err != nil {
		return err
	}
	if fl, ok := t.w.(interface{ Flush() }); ok {
		fl.Flush()
	}
	return nil
}
