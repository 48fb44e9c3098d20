package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "experiment"), opts...)
}

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("print('hi')\n"), 0o755))
	return path
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestStore_RegisterAndLoad(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return ts }), WithIDGenerator(sequentialIDs("run")))
	script := writeScript(t, t.TempDir(), "train.py")

	rec, err := s.Register(ctx, RegisterRequest{Script: script, Args: []string{"--lr", "0.1"}})
	require.NoError(t, err)

	assert.Equal(t, core.RunID("run-1"), rec.ID)
	assert.Equal(t, "train", rec.Name)
	assert.Equal(t, "train.py", rec.ScriptPath)
	assert.FileExists(t, filepath.Join(s.Dir(rec.ID), "train.py"))

	loaded, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, loaded.Name)
	assert.Equal(t, []string{"--lr", "0.1"}, loaded.Args)
	assert.True(t, ts.Equal(loaded.Timestamp))
	assert.False(t, loaded.HasResult())
}

func TestStore_RegisterMissingScript(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Register(context.Background(), RegisterRequest{Script: filepath.Join(t.TempDir(), "nope.py")})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	entries, _ := os.ReadDir(s.Root())
	assert.Empty(t, entries)
}

func TestStore_RegisterRejectsEscapingResultFile(t *testing.T) {
	s := newTestStore(t)
	script := writeScript(t, t.TempDir(), "a.py")
	_, err := s.Register(context.Background(), RegisterRequest{Script: script, ResultFile: "../out.json"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestStore_LoadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestStore_LoadInvalidID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []core.RunID{"", "..", "a/b"} {
		_, err := s.Load(context.Background(), id)
		assert.True(t, core.IsCategory(err, core.ErrCatValidation), "id %q", id)
	}
}

func TestStore_LoadCorrupted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir("bad"), 0o755))
	require.NoError(t, os.WriteFile(s.MetaPath("bad"), []byte("{not json"), 0o644))

	_, err := s.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeMetadataCorrupted))
}

func TestStore_LoadNullResult(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir("old"), 0o755))
	meta := `{"id":"old","name":"x","script_path":"x.py","args":[],"timestamp":"2024-01-01T00:00:00Z","result":null}`
	require.NoError(t, os.WriteFile(s.MetaPath("old"), []byte(meta), 0o644))

	rec, err := s.Load(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, rec.HasResult())
	assert.Nil(t, rec.Result)
}

func TestStore_AttachResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithIDGenerator(sequentialIDs("r")))
	rec, err := s.Register(ctx, RegisterRequest{Script: writeScript(t, t.TempDir(), "a.py")})
	require.NoError(t, err)

	require.NoError(t, s.AttachResult(ctx, rec.ID, json.RawMessage(`{ "acc": 0.9 }`)))

	loaded, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, loaded.HasResult())
	assert.JSONEq(t, `{"acc":0.9}`, string(loaded.Result))
	assert.Equal(t, rec.Name, loaded.Name)
}

func TestStore_AttachResultInvalidJSON(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithIDGenerator(sequentialIDs("r")))
	rec, err := s.Register(ctx, RegisterRequest{Script: writeScript(t, t.TempDir(), "a.py")})
	require.NoError(t, err)

	err = s.AttachResult(ctx, rec.ID, json.RawMessage(`{broken`))
	assert.True(t, core.HasCode(err, core.CodeInvalidResult))
}

func TestStore_ListOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)}
	i := 0
	s := newTestStore(t,
		WithIDGenerator(sequentialIDs("r")),
		WithClock(func() time.Time { ts := times[i]; i++; return ts }),
	)
	script := writeScript(t, t.TempDir(), "a.py")
	for range times {
		_, err := s.Register(ctx, RegisterRequest{Script: script})
		require.NoError(t, err)
	}
	// A directory without metadata is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "junk"), 0o755))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, core.RunID("r-2"), list[0].ID)
	assert.Equal(t, core.RunID("r-3"), list[1].ID)
	assert.Equal(t, core.RunID("r-1"), list[2].ID)
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"))
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_Latest(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, os.MkdirAll(s.Dir(core.RunID(id)), 0o755))
	}
	require.NoError(t, os.Chtimes(s.Dir("c"), old, old))

	same := time.Now()
	require.NoError(t, os.Chtimes(s.Dir("a"), same, same))
	require.NoError(t, os.Chtimes(s.Dir("b"), same, same))

	id, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RunID("a"), id)

	newer := same.Add(time.Minute)
	require.NoError(t, os.Chtimes(s.Dir("c"), newer, newer))
	id, err = s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RunID("c"), id)
}

func TestStore_LatestEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Latest(context.Background())
	assert.True(t, core.IsNotFound(err))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithIDGenerator(sequentialIDs("r")))
	rec, err := s.Register(ctx, RegisterRequest{Script: writeScript(t, t.TempDir(), "a.py")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.ID))
	assert.NoDirExists(t, s.Dir(rec.ID))

	err = s.Delete(ctx, rec.ID)
	assert.True(t, core.IsNotFound(err))
}

func TestStore_ResultPath(t *testing.T) {
	s := New("/runs", WithResultFile("out.json"))
	assert.Equal(t, filepath.Join("/runs", "x", "out.json"), s.ResultPath(&core.RunRecord{ID: "x"}))
	assert.Equal(t, filepath.Join("/runs", "x", "m.json"), s.ResultPath(&core.RunRecord{ID: "x", ResultFile: "m.json"}))
	assert.Equal(t, filepath.Join("/runs", "x", LogFile), s.LogPath("x"))
	assert.Equal(t, filepath.Join("/runs", "x", LockFile), s.LockPath("x"))
}
