// Package runstore keeps one directory per run holding its metadata,
// script copy, lock file, log sink and result file.
package runstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/fsutil"
)

// File names inside a run directory.
const (
	MetaFile          = "meta.json"
	LockFile          = "run.lock"
	LogFile           = "output.log"
	DefaultResultFile = "metrics.json"
)

// Store implements core.RunStore on the local filesystem.
type Store struct {
	root       string
	resultFile string
	now        func() time.Time
	newID      func() string
}

// Option configures the store.
type Option func(*Store)

// WithResultFile sets the result file used by runs that declare none.
func WithResultFile(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.resultFile = name
		}
	}
}

// WithClock overrides the registration clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// New creates a store rooted at root.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root:       root,
		resultFile: DefaultResultFile,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the directory holding all runs.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the run's working directory.
func (s *Store) Dir(id core.RunID) string {
	return filepath.Join(s.root, string(id))
}

// MetaPath returns the run's metadata file.
func (s *Store) MetaPath(id core.RunID) string {
	return filepath.Join(s.Dir(id), MetaFile)
}

// LockPath returns the run's lock file.
func (s *Store) LockPath(id core.RunID) string {
	return filepath.Join(s.Dir(id), LockFile)
}

// LogPath returns the run's log sink.
func (s *Store) LogPath(id core.RunID) string {
	return filepath.Join(s.Dir(id), LogFile)
}

// ResultFileName returns the result file declared by rec, relative to its directory.
func (s *Store) ResultFileName(rec *core.RunRecord) string {
	if rec.ResultFile != "" {
		return rec.ResultFile
	}
	return s.resultFile
}

// ResultPath returns the absolute-or-root-relative path of the run's result file.
func (s *Store) ResultPath(rec *core.RunRecord) string {
	return filepath.Join(s.Dir(rec.ID), s.ResultFileName(rec))
}

// Load reads the run's metadata.
func (s *Store) Load(_ context.Context, id core.RunID) (*core.RunRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	data, err := fsutil.ReadFileScoped(s.MetaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound("run", string(id))
		}
		return nil, core.ErrIO("reading run metadata", err)
	}

	var rec core.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.ErrState(core.CodeMetadataCorrupted,
			fmt.Sprintf("metadata of run %s is not valid JSON", id)).WithCause(err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	// Records written by older versions carry "result": null.
	if !rec.HasResult() {
		rec.Result = nil
	}
	return &rec, nil
}

// Save overwrites the run's metadata atomically.
func (s *Store) Save(_ context.Context, rec *core.RunRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	if rec.Args == nil {
		rec.Args = []string{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run metadata: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.Dir(rec.ID), 0o755); err != nil {
		return core.ErrIO("creating run directory", err)
	}
	if err := atomicWriteFile(s.MetaPath(rec.ID), data, 0o644); err != nil {
		return core.ErrIO("writing run metadata", err)
	}
	return nil
}

// AttachResult stores payload as the run's result. It is not atomic with
// respect to other writers of the same record; only the controller's
// post-execution task writes here.
func (s *Store) AttachResult(ctx context.Context, id core.RunID, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return core.ErrValidation(core.CodeInvalidResult, fmt.Sprintf("result of run %s is not valid JSON", id))
	}

	rec, err := s.Load(ctx, id)
	if err != nil {
		return err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return core.ErrValidation(core.CodeInvalidResult, err.Error())
	}
	rec.Result = compact.Bytes()

	return s.Save(ctx, rec)
}

// List returns all registered runs ordered by registration time.
// Directories without readable metadata are skipped.
func (s *Store) List(ctx context.Context) ([]core.RunSummary, error) {
	entries, err := s.runDirs()
	if err != nil {
		return nil, err
	}

	summaries := make([]core.RunSummary, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.Load(ctx, core.RunID(e.name))
		if err != nil {
			continue
		}
		summaries = append(summaries, core.RunSummary{
			ID:        rec.ID,
			Name:      rec.Name,
			Timestamp: rec.Timestamp,
			ModTime:   e.modTime,
			HasResult: rec.HasResult(),
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].Timestamp.Equal(summaries[j].Timestamp) {
			return summaries[i].Timestamp.Before(summaries[j].Timestamp)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// Latest returns the run directory with the most recent modification time.
// Equal modification times resolve to the lexicographically smallest id.
func (s *Store) Latest(_ context.Context) (core.RunID, error) {
	entries, err := s.runDirs()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", core.ErrNotFound("run", "latest")
	}

	best := entries[0]
	for _, e := range entries[1:] {
		switch {
		case e.modTime.After(best.modTime):
			best = e
		case e.modTime.Equal(best.modTime) && e.name < best.name:
			best = e
		}
	}
	return core.RunID(best.name), nil
}

// Delete removes the run's directory and everything in it. It does not
// check for a live lock; callers must not delete a running run.
func (s *Store) Delete(_ context.Context, id core.RunID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	dir := s.Dir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrNotFound("run", string(id))
		}
		return core.ErrIO("inspecting run directory", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return core.ErrIO("removing run directory", err)
	}
	return nil
}

// RegisterRequest describes a new run.
type RegisterRequest struct {
	Name       string
	Script     string // path of the script to copy into the run directory
	Args       []string
	ResultFile string
}

// Register creates the run directory, copies the script into it and writes
// the initial metadata.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*core.RunRecord, error) {
	info, err := os.Stat(req.Script)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound("script", req.Script)
		}
		return nil, core.ErrIO("inspecting script", err)
	}
	if !info.Mode().IsRegular() {
		return nil, core.ErrValidation(core.CodeInvalidRun, fmt.Sprintf("script %s is not a regular file", req.Script))
	}
	if req.ResultFile != "" && (filepath.IsAbs(req.ResultFile) || strings.HasPrefix(filepath.Clean(req.ResultFile), "..")) {
		return nil, core.ErrValidation(core.CodeInvalidRun, "result file must stay inside the run directory")
	}

	scriptName := filepath.Base(req.Script)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSuffix(scriptName, filepath.Ext(scriptName))
	}

	rec := &core.RunRecord{
		ID:         core.RunID(s.newID()),
		Name:       name,
		ScriptPath: scriptName,
		Args:       append([]string{}, req.Args...),
		Timestamp:  s.now(),
		ResultFile: req.ResultFile,
	}

	dir := s.Dir(rec.ID)
	if _, err := os.Stat(dir); err == nil {
		return nil, core.ErrState(core.CodeInvalidRun, fmt.Sprintf("run directory %s already exists", dir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.ErrIO("creating run directory", err)
	}

	if err := fsutil.CopyFile(req.Script, filepath.Join(dir, scriptName)); err != nil {
		_ = os.RemoveAll(dir)
		return nil, core.ErrIO("copying script", err)
	}
	if err := s.Save(ctx, rec); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return rec, nil
}

type runDir struct {
	name    string
	modTime time.Time
}

func (s *Store) runDirs() ([]runDir, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, core.ErrIO("listing runs", err)
	}

	dirs := make([]runDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		dirs = append(dirs, runDir{name: e.Name(), modTime: info.ModTime()})
	}
	return dirs, nil
}

var _ core.RunStore = (*Store)(nil)
