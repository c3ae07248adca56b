package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNosyncGuard is returned when a .nosync guard file is present in the
// source root, indicating the source may be unmounted.
var ErrNosyncGuard = errors.New("sync: .nosync guard file present (source dir may be unmounted)")

const nosyncFileName = ".nosync"

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ns"`
	Scanned           int           `json:"scanned"`
	Staged            int           `json:"staged"`
	Failed            int           `json:"failed"`
	MarkedForDeletion int           `json:"marked_for_deletion"`
	SkippedDirs       int           `json:"skipped_dirs"`
}

// scannedFile is one regular file seen by the walk.
type scannedFile struct {
	path  string
	mtime int64
}

// Reconciler walks the whole source tree and corrects drift between the
// filesystem and the ledger: unknown or changed files are re-driven through
// the stager, records with no file are marked pending_deletion. Runs never
// overlap; a caller arriving during a run shares its result.
type Reconciler struct {
	ledger *Ledger
	stager EventHandler
	root   string
	logger *slog.Logger

	flight singleflight.Group

	mu   stdsync.Mutex
	last *ReconcileReport
}

// NewReconciler creates a Reconciler over root that stages through stager.
func NewReconciler(ledger *Ledger, stager EventHandler, root string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		stager: stager,
		root:   root,
		logger: logger,
	}
}

// Run performs one pass, or joins the pass already in flight.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	v, err, shared := r.flight.Do("reconcile", func() (any, error) {
		return r.run(ctx)
	})
	if shared {
		r.logger.Debug("reconcile request joined in-flight pass")
	}

	if err != nil {
		return ReconcileReport{}, err
	}

	return v.(ReconcileReport), nil
}

// LastReport returns the report of the most recent completed pass, or nil.
func (r *Reconciler) LastReport() *ReconcileReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		return nil
	}

	rep := *r.last

	return &rep
}

func (r *Reconciler) run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{StartedAt: time.Now()}

	r.logger.Info("reconciliation starting", slog.String("source_dir", r.root))

	if _, err := os.Stat(filepath.Join(r.root, nosyncFileName)); err == nil {
		r.logger.Warn("nosync guard file detected, aborting reconciliation",
			slog.String("source_dir", r.root))

		return report, ErrNosyncGuard
	}

	walked, err := r.walk(ctx)
	if err != nil {
		r.logger.Error("reconciliation aborted", slog.String("error", err.Error()))
		return report, err
	}

	report.SkippedDirs = len(walked.skippedDirs)

	records, err := r.ledger.LoadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("sync: loading ledger for reconciliation: %w", err)
	}

	byKey := make(map[Key]Record, len(records))
	for i := range records {
		byKey[records[i].Key()] = records[i]
	}

	for key := range walked.unreadable {
		delete(byKey, key)
	}

	keys := make([]Key, 0, len(walked.files))
	for key := range walked.files {
		keys = append(keys, key)
	}

	// Path order keeps temp-name allocation deterministic across passes.
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		if ctx.Err() != nil {
			return report, fmt.Errorf("sync: reconciliation canceled: %w", ctx.Err())
		}

		f := walked.files[key]
		report.Scanned++

		rec, known := byKey[key]
		delete(byKey, key)

		if known && rec.SourceLastModified >= f.mtime {
			continue
		}

		result, err := r.stager.HandleCreateOrModify(ctx, f.path)
		if err != nil {
			report.Failed++
			r.logger.Warn("reconcile: staging failed",
				slog.String("path", key.String()), slog.String("error", err.Error()))

			continue
		}

		if result == StageCreated || result == StageRestaged {
			report.Staged++
		}
	}

	var vanished []int64

	for key, rec := range byKey {
		if rec.Status == StatusPendingDeletion || underSkippedDir(key.Dir, walked.skippedDirs) {
			continue
		}

		vanished = append(vanished, rec.ID)
	}

	marked, err := r.ledger.MarkPendingDeletion(ctx, vanished)
	if err != nil {
		return report, err
	}

	report.MarkedForDeletion = marked
	report.Duration = time.Since(report.StartedAt)

	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()

	r.logger.Info("reconciliation complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("staged", report.Staged),
		slog.Int("failed", report.Failed),
		slog.Int("marked_for_deletion", report.MarkedForDeletion),
		slog.Int("skipped_dirs", report.SkippedDirs),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// walkResult is the filesystem side of one pass.
type walkResult struct {
	files map[Key]scannedFile
	// unreadable holds files whose attributes could not be read. They are
	// neither re-driven nor treated as deleted.
	unreadable map[Key]bool
	// skippedDirs holds relative paths of subdirectories that could not be
	// read. Records below them are exempt from deletion detection.
	skippedDirs []string
}

// walk collects every regular file under the source root. An unreadable
// root aborts the walk.
func (r *Reconciler) walk(ctx context.Context) (*walkResult, error) {
	res := &walkResult{
		files:      make(map[Key]scannedFile),
		unreadable: make(map[Key]bool),
	}

	root := filepath.Clean(r.root)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if walkErr != nil {
			if p == root {
				return walkErr
			}

			r.logger.Warn("reconcile: walk error",
				slog.String("path", p), slog.String("error", walkErr.Error()))

			if d == nil || d.IsDir() {
				if key, err := keyForPath(root, p); err == nil {
					res.skippedDirs = append(res.skippedDirs, key.Dir+key.Name+"/")
				}
			}

			return skipEntry(d)
		}

		// Symlinks, devices, and sockets are never staged.
		if p == root || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		key, err := keyForPath(root, p)
		if err != nil {
			return fmt.Errorf("sync: computing key for %s: %w", p, err)
		}

		info, err := d.Info()
		if err != nil {
			r.logger.Warn("reconcile: cannot read file attributes",
				slog.String("path", key.String()), slog.String("error", err.Error()))

			res.unreadable[key] = true

			return nil
		}

		res.files[key] = scannedFile{path: p, mtime: info.ModTime().UnixNano()}

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync: reconciliation canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("sync: walking %s: %w", root, err)
	}

	return res, nil
}

// underSkippedDir reports whether dir lies at or below any skipped dir.
func underSkippedDir(dir string, skipped []string) bool {
	for _, s := range skipped {
		if strings.HasPrefix(dir, s) {
			return true
		}
	}

	return false
}
