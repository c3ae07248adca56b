package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFsWatcher is a channel-backed FsWatcher that records Add calls.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu    stdsync.Mutex
	added []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Close() error                  { close(m.events); close(m.errs); return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) addedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.added...)
}

// handlerCall is one call observed by recordingHandler.
type handlerCall struct {
	op   string // "stage" or "delete"
	path string
}

// recordingHandler is an EventHandler that reports every call on a channel.
type recordingHandler struct {
	calls chan handlerCall
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{calls: make(chan handlerCall, 32)}
}

func (h *recordingHandler) HandleCreateOrModify(_ context.Context, absPath string) (StageResult, error) {
	h.calls <- handlerCall{op: "stage", path: absPath}
	return StageCreated, nil
}

func (h *recordingHandler) HandleDelete(_ context.Context, absPath string) (bool, error) {
	h.calls <- handlerCall{op: "delete", path: absPath}
	return true, nil
}

func (h *recordingHandler) next(t *testing.T) handlerCall {
	t.Helper()

	select {
	case c := <-h.calls:
		return c
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for handler call")
		return handlerCall{}
	}
}

func (h *recordingHandler) assertNoCall(t *testing.T) {
	t.Helper()

	select {
	case c := <-h.calls:
		assert.Failf(t, "unexpected handler call", "%s %s", c.op, c.path)
	case <-time.After(50 * time.Millisecond):
	}
}

// sleepRecorder captures durations passed to sleepFunc.
type sleepRecorder struct {
	mu     stdsync.Mutex
	calls  []time.Duration
	called chan struct{}
}

func newSleepRecorder() *sleepRecorder {
	return &sleepRecorder{called: make(chan struct{}, 10)}
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()

	s.called <- struct{}{}

	return nil
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.calls...)
}

// startMockWatcher starts a Watcher over root backed by a mock subscription.
func startMockWatcher(t *testing.T, root string, h EventHandler) (*Watcher, *mockFsWatcher, *sleepRecorder) {
	t.Helper()

	mock := newMockFsWatcher()
	sleeps := newSleepRecorder()

	w := NewWatcher(root, h, testLogger(t))
	w.newWatcher = func() (FsWatcher, error) { return mock, nil }
	w.sleepFunc = sleeps.sleep

	require.NoError(t, w.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	return w, mock, sleeps
}

func TestWatcher_RegistersExistingSubdirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "old.txt"), nil, 0o644))

	h := newRecordingHandler()
	w, mock, _ := startMockWatcher(t, root, h)

	assert.True(t, w.Active())
	assert.ElementsMatch(t, []string{
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "c"),
	}, mock.addedPaths())

	// Existing files are the reconciler's job, not the watcher's.
	h.assertNoCall(t)
}

func TestWatcher_FileEvents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	file := filepath.Join(root, "report.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	h := newRecordingHandler()
	_, mock, _ := startMockWatcher(t, root, h)

	mock.events <- fsnotify.Event{Name: file, Op: fsnotify.Create}
	assert.Equal(t, handlerCall{op: "stage", path: file}, h.next(t))

	mock.events <- fsnotify.Event{Name: file, Op: fsnotify.Write}
	assert.Equal(t, handlerCall{op: "stage", path: file}, h.next(t))

	mock.events <- fsnotify.Event{Name: file, Op: fsnotify.Chmod}
	h.assertNoCall(t)

	require.NoError(t, os.Remove(file))

	mock.events <- fsnotify.Event{Name: file, Op: fsnotify.Remove}
	assert.Equal(t, handlerCall{op: "delete", path: file}, h.next(t))

	mock.events <- fsnotify.Event{Name: file, Op: fsnotify.Rename}
	assert.Equal(t, handlerCall{op: "delete", path: file}, h.next(t))
}

func TestWatcher_WriteForVanishedFileIsDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := newRecordingHandler()
	_, mock, _ := startMockWatcher(t, root, h)

	gone := filepath.Join(root, "gone.txt")
	mock.events <- fsnotify.Event{Name: gone, Op: fsnotify.Write}

	assert.Equal(t, handlerCall{op: "delete", path: gone}, h.next(t))
}

func TestWatcher_NewDirectoryRegisteredAndScanned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := newRecordingHandler()
	_, mock, _ := startMockWatcher(t, root, h)

	// Contents written before the watch on the new directory exists.
	dir := filepath.Join(root, "new")
	inner := filepath.Join(dir, "inner")
	require.NoError(t, os.MkdirAll(inner, 0o755))

	early := filepath.Join(inner, "early.txt")
	require.NoError(t, os.WriteFile(early, []byte("x"), 0o644))

	mock.events <- fsnotify.Event{Name: dir, Op: fsnotify.Create}

	assert.Equal(t, handlerCall{op: "stage", path: early}, h.next(t))
	assert.Contains(t, mock.addedPaths(), dir)
	assert.Contains(t, mock.addedPaths(), inner)
}

func TestWatcher_OverflowTriggersHookAndBacksOff(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := newRecordingHandler()

	mock := newMockFsWatcher()
	sleeps := newSleepRecorder()
	overflowed := make(chan struct{}, 1)

	w := NewWatcher(root, h, testLogger(t))
	w.newWatcher = func() (FsWatcher, error) { return mock, nil }
	w.sleepFunc = sleeps.sleep
	w.SetOverflowHook(func() { overflowed <- struct{}{} })

	require.NoError(t, w.Start(context.Background()))

	mock.errs <- fsnotify.ErrEventOverflow

	select {
	case <-overflowed:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "overflow hook not called")
	}

	<-sleeps.called

	mock.errs <- errors.New("transient")
	<-sleeps.called

	assert.Equal(t, []time.Duration{watchErrInitBackoff, watchErrInitBackoff * watchErrBackoffMult}, sleeps.durations())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Active())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, _, _ := startMockWatcher(t, t.TempDir(), newRecordingHandler())

	ctx := context.Background()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Active())
}

// TestWatcher_RealFsnotify drives a real subscription end to end into the
// ledger.
func TestWatcher_RealFsnotify(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t)
	l := newTestLedger(t)
	p := NewProcessor(l, tree.source, tree.staging, testLogger(t))

	w := NewWatcher(tree.source, p, testLogger(t))
	require.NoError(t, w.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	sub := filepath.Join(tree.source, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	// Rename a complete file in so no event observes a half-written one.
	tmp := filepath.Join(filepath.Dir(tree.source), "live.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("live"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(sub, "live.txt")))

	require.Eventually(t, func() bool {
		rec, err := l.GetByKey(context.Background(), Key{Dir: "sub/", Name: "live.txt"})
		return err == nil && rec != nil && rec.Status == StatusPendingSync &&
			fileHasContent(filepath.Join(tree.staging, rec.TempFilename), "live")
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(sub, "live.txt")))

	require.Eventually(t, func() bool {
		rec, err := l.GetByKey(context.Background(), Key{Dir: "sub/", Name: "live.txt"})
		return err == nil && rec != nil && rec.Status == StatusPendingDeletion
	}, 10*time.Second, 20*time.Millisecond)
}

func fileHasContent(path, want string) bool {
	data, err := os.ReadFile(path)
	return err == nil && string(data) == want
}

func TestWatcher_SymlinkEventsIgnored(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dest := filepath.Join(root, "real.txt")
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0o644))

	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(dest, link))

	h := newRecordingHandler()
	_, mock, _ := startMockWatcher(t, root, h)

	mock.events <- fsnotify.Event{Name: link, Op: fsnotify.Create}
	mock.events <- fsnotify.Event{Name: link, Op: fsnotify.Write}
	h.assertNoCall(t)

	// The regular file behind it is still staged.
	mock.events <- fsnotify.Event{Name: dest, Op: fsnotify.Write}
	assert.Equal(t, handlerCall{op: "stage", path: dest}, h.next(t))
}
