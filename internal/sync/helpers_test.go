package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestLedger opens a ledger in a temp directory, closed on cleanup.
func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := OpenLedger(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	return l
}

// testTree is a source/staging/target directory triple under one temp dir.
type testTree struct {
	source  string
	staging string
	target  string
}

func newTestTree(t *testing.T) testTree {
	t.Helper()

	base := t.TempDir()
	tree := testTree{
		source:  filepath.Join(base, "source"),
		staging: filepath.Join(base, "staging"),
		target:  filepath.Join(base, "target"),
	}

	for _, d := range []string{tree.source, tree.staging, tree.target} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	return tree
}

// writeSource writes content to rel under the source root with the given
// mtime and returns the absolute path.
func (tt testTree) writeSource(t *testing.T, rel, content string, mtime time.Time) string {
	t.Helper()

	p := filepath.Join(tt.source, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	return p
}

// readFile returns the content of path, failing the test if unreadable.
func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

// mustGetByKey fetches the record for dir+name, failing if absent.
func mustGetByKey(t *testing.T, l *Ledger, dir, name string) *Record {
	t.Helper()

	rec, err := l.GetByKey(context.Background(), Key{Dir: dir, Name: name})
	require.NoError(t, err)
	require.NotNil(t, rec, "no record for %s%s", dir, name)

	return rec
}

// baseTime is a fixed, whole-second mtime so filesystem precision never
// affects comparisons.
var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
