package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFileBackend(t *testing.T, dir string) *FileBackend {
	t.Helper()
	b, err := OpenFileBackend(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFileBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return openFileBackend(t, t.TempDir())
	})
}

func TestFileBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := openFileBackend(t, dir)
	require.NoError(t, b.Put(ctx, testEntry("e1", "s1", 0)))
	require.NoError(t, b.Put(ctx, testEntry("e2", "s1", time.Second)))
	require.NoError(t, b.Put(ctx, testEntry("e3", "s2", 2*time.Second)))
	require.NoError(t, b.Delete(ctx, "e2"))

	moved := testEntry("e3", "s1", 2*time.Second)
	moved.Content = "moved"
	require.NoError(t, b.Put(ctx, moved))

	reopened := openFileBackend(t, dir)
	all, err := reopened.List(ctx, Query{IncludeSummarized: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(all))

	got, err := reopened.Get(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, "moved", got.Content)
	assert.Equal(t, "s1", got.SessionID)

	// writes after reopen must outrank records from the earlier run
	require.NoError(t, reopened.Delete(ctx, "e1"))
	again := openFileBackend(t, dir)
	all, err = again.List(ctx, Query{IncludeSummarized: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids(all))
}

func TestFileBackend_Layout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := openFileBackend(t, dir)

	require.NoError(t, b.Put(ctx, testEntry("e1", "session/one", 0)))
	require.NoError(t, b.Put(ctx, testEntry("e2", "", 0)))
	summary := testEntry("sum1", "s1", 0)
	summary.Type = TypeSummary
	require.NoError(t, b.Put(ctx, summary))
	require.NoError(t, b.PutCheckpoint(ctx, &Checkpoint{ID: "cp1", SessionID: "s1", CreatedAt: baseTime}))

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var index map[string]string
	require.NoError(t, json.Unmarshal(data, &index))
	assert.Equal(t, map[string]string{
		"e1":   "sessions/session_one.jsonl",
		"e2":   "sessions/_default.jsonl",
		"sum1": "summaries/2026-03-01.jsonl",
	}, index)

	for _, rel := range []string{
		"sessions/session_one.jsonl",
		"sessions/_default.jsonl",
		"summaries/2026-03-01.jsonl",
		"checkpoints/cp1.json",
	} {
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(rel)))
	}
}

func TestFileBackend_SkipsTornLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := openFileBackend(t, dir)
	require.NoError(t, b.Put(ctx, testEntry("e1", "s1", 0)))

	f, err := os.OpenFile(filepath.Join(dir, "sessions", "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":99,"op":"put","id":"e2","entr`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openFileBackend(t, dir)
	all, err := reopened.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(all))
}

func TestFileBackend_IndexWriteFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := openFileBackend(t, dir)

	// a directory at the temp path makes every index rewrite fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, "index.json.tmp"), 0o700))

	require.NoError(t, b.Put(ctx, testEntry("e1", "s1", 0)))
	require.NoError(t, b.Put(ctx, testEntry("e2", "s1", time.Second)))
	require.NoError(t, b.Delete(ctx, "e2"))

	got, err := b.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	reopened := openFileBackend(t, dir)
	all, err := reopened.List(ctx, Query{IncludeSummarized: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(all))

	require.NoError(t, os.Remove(filepath.Join(dir, "index.json.tmp")))
	again := openFileBackend(t, dir)
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var index map[string]string
	require.NoError(t, json.Unmarshal(data, &index))
	assert.Equal(t, map[string]string{"e1": "sessions/s1.jsonl"}, index)
	_, err = again.Get(ctx, "e1")
	assert.NoError(t, err)
}

func TestFileBackend_RequiresPath(t *testing.T) {
	_, err := OpenFileBackend("", nil)
	assert.Error(t, err)
}
