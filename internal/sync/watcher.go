package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch loop error backoff. Sustained watcher errors (e.g. repeated kernel
// queue overflows) must not spin the loop.
const (
	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 5 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the directory change subscription the Watcher consumes:
// register paths, receive {op, path} events and errors, close. Satisfied by
// fsnotifyWatcher in production and by a channel-backed mock in tests.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher's channel fields to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// EventHandler receives the file-level signals the Watcher derives from raw
// notifications. *Processor satisfies it.
type EventHandler interface {
	HandleCreateOrModify(ctx context.Context, absPath string) (StageResult, error)
	HandleDelete(ctx context.Context, absPath string) (bool, error)
}

// Watcher keeps a recursive change subscription on the source tree and
// feeds the EventHandler one event at a time from a single goroutine.
type Watcher struct {
	root    string
	handler EventHandler
	logger  *slog.Logger

	// newWatcher is injectable so tests can supply a mock FsWatcher.
	newWatcher func() (FsWatcher, error)
	// sleepFunc waits between watcher errors; tests record the durations.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// onOverflow is called (without blocking the loop) when the kernel
	// queue overflowed and events were lost.
	onOverflow func()

	mu      stdsync.Mutex
	fsw     FsWatcher
	done    chan struct{}
	active  atomic.Bool
	watched atomic.Int64
}

// NewWatcher creates a Watcher over root. It does not subscribe until Start.
func NewWatcher(root string, handler EventHandler, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:       root,
		handler:    handler,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		sleepFunc:  timeSleep,
	}
}

// SetOverflowHook registers fn to run after a notification overflow.
func (w *Watcher) SetOverflowHook(fn func()) {
	w.onOverflow = fn
}

// Active reports whether the event loop is running.
func (w *Watcher) Active() bool {
	return w.active.Load()
}

// Start subscribes to the source tree and launches the event loop. Every
// existing directory is registered before Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}

	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return fmt.Errorf("sync: watching source root %s: %w", w.root, err)
	}

	w.watched.Store(1)
	w.addTree(ctx, fsw, w.root, false)

	done := make(chan struct{})

	w.mu.Lock()
	w.fsw = fsw
	w.done = done
	w.mu.Unlock()

	w.active.Store(true)

	w.logger.Info("watcher started",
		slog.String("source_dir", w.root),
		slog.Int64("directories", w.watched.Load()),
	)

	go func() {
		defer close(done)
		defer w.active.Store(false)

		w.loop(ctx, fsw)
	}()

	return nil
}

// Stop closes the subscription, which ends the event loop, then waits for
// the loop to exit until ctx expires.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}

	if err := fsw.Close(); err != nil {
		w.logger.Warn("closing filesystem watcher", slog.String("error", err.Error()))
	}

	select {
	case <-done:
		w.logger.Info("watcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for watcher to stop: %w", ctx.Err())
	}
}

// loop processes events serially until the subscription closes or ctx is
// canceled.
func (w *Watcher) loop(ctx context.Context, fsw FsWatcher) {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events():
			if !ok {
				return
			}

			w.safeHandle(ctx, fsw, ev)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fsw.Errors():
			if !ok {
				return
			}

			if errors.Is(watchErr, fsnotify.ErrEventOverflow) {
				w.logger.Warn("filesystem event queue overflowed; events were lost until the next reconciliation")

				if w.onOverflow != nil {
					go w.onOverflow()
				}
			} else {
				w.logger.Warn("filesystem watcher error",
					slog.String("error", watchErr.Error()),
					slog.Duration("backoff", errBackoff),
				)
			}

			if err := w.sleepFunc(ctx, errBackoff); err != nil {
				return
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// safeHandle keeps a panic in one event from killing the loop.
func (w *Watcher) safeHandle(ctx context.Context, fsw FsWatcher, ev fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher: panic handling event",
				slog.String("path", ev.Name),
				slog.Any("panic", r),
			)
		}
	}()

	w.handleEvent(ctx, fsw, ev)
}

// handleEvent translates one raw notification into handler calls.
func (w *Watcher) handleEvent(ctx context.Context, fsw FsWatcher, ev fsnotify.Event) {
	// Mode changes are not content changes.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ev.Name == w.root {
		return
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			// Gone already: treat as a delete, like an unresolvable remove.
			if errors.Is(err, os.ErrNotExist) {
				w.dispatchDelete(ctx, ev.Name)
			}

			return
		}

		switch {
		case info.IsDir():
			if ev.Has(fsnotify.Create) {
				w.addTree(ctx, fsw, ev.Name, true)
			}
		case info.Mode().IsRegular():
			w.dispatchStage(ctx, ev.Name)
		default:
			w.logger.Debug("ignoring non-regular file", slog.String("path", ev.Name),
				slog.String("mode", info.Mode().Type().String()))
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A still-existing directory here is a renamed-in-place subtree; the
		// reconciler picks up its contents.
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			return
		}

		w.dispatchDelete(ctx, ev.Name)
	}
}

// addTree registers dir and every directory below it. With stageFiles set,
// files already present are staged too: they may have been written before
// the watch on their directory existed. Per-directory failures are logged
// and skipped.
func (w *Watcher) addTree(ctx context.Context, fsw FsWatcher, dir string, stageFiles bool) {
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			w.logger.Warn("cannot read directory, not watching it",
				slog.String("path", p), slog.String("error", err.Error()))

			return skipEntry(d)
		}

		if d.IsDir() {
			if p == w.root {
				return nil
			}

			if addErr := fsw.Add(p); addErr != nil {
				w.logger.Warn("failed to watch directory",
					slog.String("path", p), slog.String("error", addErr.Error()))

				return filepath.SkipDir
			}

			w.watched.Add(1)

			return nil
		}

		if stageFiles && d.Type().IsRegular() {
			w.dispatchStage(ctx, p)
		}

		return nil
	})
	if walkErr != nil && ctx.Err() == nil {
		w.logger.Warn("walking new directory", slog.String("path", dir), slog.String("error", walkErr.Error()))
	}
}

func (w *Watcher) dispatchStage(ctx context.Context, absPath string) {
	if _, err := w.handler.HandleCreateOrModify(ctx, absPath); err != nil {
		w.logger.Warn("staging failed",
			slog.String("path", absPath), slog.String("error", err.Error()))
	}
}

func (w *Watcher) dispatchDelete(ctx context.Context, absPath string) {
	if _, err := w.handler.HandleDelete(ctx, absPath); err != nil {
		w.logger.Warn("delete handling failed",
			slog.String("path", absPath), slog.String("error", err.Error()))
	}
}

// skipEntry returns filepath.SkipDir for directories (to skip the subtree)
// or nil for files (to continue the walk with the next entry).
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
