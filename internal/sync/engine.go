package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
)

// ErrEngineClosing is returned for requests that arrive after Shutdown began.
var ErrEngineClosing = errors.New("sync: engine is shutting down")

// EngineConfig holds the options for NewEngine. Uses a struct because
// there are too many fields for positional parameters.
type EngineConfig struct {
	DBPath     string // path to the SQLite ledger database
	SourceDir  string // absolute path to the watched source tree
	StagingDir string // flat staging directory
	TargetDir  string // published tree

	WatcherEnabled    bool
	ReconcileEnabled  bool
	ReconcileSchedule string // cron expression, e.g. "@every 10m"

	BatchSize   int    // worker claim size (0 → DefaultBatchSize)
	StripSuffix string // suffix removed from published filenames

	Logger *slog.Logger
}

// EngineStatus is the engine's externally visible state.
type EngineStatus struct {
	WatcherActive   bool             `json:"watcher_active"`
	Pending         int              `json:"pending"`
	Syncing         int              `json:"syncing"`
	Synced          int              `json:"synced"`
	ErrorCopying    int              `json:"error_copying"`
	ErrorSyncing    int              `json:"error_syncing"`
	PendingDeletion int              `json:"pending_deletion"`
	Worker          WorkerStats      `json:"worker"`
	LastReconcile   *ReconcileReport `json:"last_reconcile,omitempty"`
}

// Errors returns the number of records needing operator attention.
func (s EngineStatus) Errors() int {
	return s.ErrorCopying + s.ErrorSyncing
}

// Engine wires the ledger, processor, watcher, reconciler, worker, and
// deletion handler, and owns their startup and shutdown ordering.
type Engine struct {
	cfg        EngineConfig
	ledger     *Ledger
	processor  *Processor
	watcher    *Watcher
	reconciler *Reconciler
	worker     *Worker
	deletions  *DeletionHandler
	scheduler  *Scheduler
	logger     *slog.Logger

	mu      stdsync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	closing bool
}

// NewEngine opens the ledger and builds every component. Directories must
// already be validated and created by the caller.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	c := *cfg
	c.SourceDir = filepath.Clean(c.SourceDir)
	c.StagingDir = filepath.Clean(c.StagingDir)
	c.TargetDir = filepath.Clean(c.TargetDir)

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := OpenLedger(ctx, c.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	e := &Engine{
		cfg:    c,
		ledger: ledger,
		logger: logger,
	}

	e.processor = NewProcessor(ledger, c.SourceDir, c.StagingDir, logger)
	e.watcher = NewWatcher(c.SourceDir, e.processor, logger)
	e.reconciler = NewReconciler(ledger, e.processor, c.SourceDir, logger)
	e.worker = NewWorker(ledger, WorkerConfig{
		StagingDir:  c.StagingDir,
		TargetDir:   c.TargetDir,
		StripSuffix: c.StripSuffix,
		BatchSize:   c.BatchSize,
	}, logger)
	e.deletions = NewDeletionHandler(ledger, c.StagingDir, c.TargetDir, c.StripSuffix, logger)

	if c.ReconcileEnabled {
		e.scheduler, err = NewScheduler(c.ReconcileSchedule, e.scheduledReconcile, logger)
		if err != nil {
			ledger.Close()
			return nil, err
		}
	}

	return e, nil
}

// Start recovers records abandoned by a crash, starts the watcher, kicks
// off the initial reconciliation, and starts the schedule. Background work
// runs until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("sync: engine already started")
	}

	if _, err := e.ledger.ReclaimSyncing(ctx); err != nil {
		return fmt.Errorf("sync: recovering interrupted records: %w", err)
	}

	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.group = &errgroup.Group{}
	e.started = true

	if e.cfg.WatcherEnabled {
		e.watcher.SetOverflowHook(e.requestReconcile)

		if err := e.watcher.Start(e.runCtx); err != nil {
			e.cancel()
			e.started = false

			return err
		}
	}

	if e.cfg.ReconcileEnabled {
		e.goLocked(func(ctx context.Context) {
			e.scheduledReconcile(ctx)
		})
		e.scheduler.Start(e.runCtx)
	}

	e.logger.Info("engine started",
		slog.String("source_dir", e.cfg.SourceDir),
		slog.String("staging_dir", e.cfg.StagingDir),
		slog.String("target_dir", e.cfg.TargetDir),
		slog.Bool("watcher", e.cfg.WatcherEnabled),
		slog.Bool("reconcile", e.cfg.ReconcileEnabled),
	)

	return nil
}

// Shutdown closes the watcher subscription, cancels the run context so
// in-flight reconciliation and worker runs stop at their next checkpoint,
// then waits for the schedule, the worker, and background work, all
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.closing {
		e.mu.Unlock()
		return nil
	}

	e.closing = true
	e.mu.Unlock()

	var errs []error

	errs = append(errs, e.watcher.Stop(ctx))

	e.worker.Stop()
	e.cancel()

	if e.scheduler != nil {
		errs = append(errs, e.scheduler.Stop(ctx))
	}

	errs = append(errs, e.worker.Wait(ctx))

	waited := make(chan struct{})

	go func() {
		_ = e.group.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sync: waiting for background tasks: %w", ctx.Err()))
	}

	e.logger.Info("engine stopped")

	return errors.Join(errs...)
}

// Close releases the ledger database.
func (e *Engine) Close() error {
	return e.ledger.Close()
}

// Status reports watcher state, ledger counts, worker state and counters,
// and the last reconciliation report.
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	counts, err := e.ledger.CountByStatus(ctx)
	if err != nil {
		return EngineStatus{}, err
	}

	return EngineStatus{
		WatcherActive:   e.watcher.Active(),
		Pending:         counts[StatusPendingSync],
		Syncing:         counts[StatusSyncing],
		Synced:          counts[StatusSynced],
		ErrorCopying:    counts[StatusErrorCopying],
		ErrorSyncing:    counts[StatusErrorSyncing],
		PendingDeletion: counts[StatusPendingDeletion],
		Worker:          e.worker.Stats(),
		LastReconcile:   e.reconciler.LastReport(),
	}, nil
}

// PendingRecords returns one page of pending_sync and pending_deletion
// records, ordered by id.
func (e *Engine) PendingRecords(ctx context.Context, page, size int) (RecordPage, error) {
	return e.ledger.ListByStatus(ctx, []Status{StatusPendingSync, StatusPendingDeletion}, page, size)
}

// StartWorker starts a worker run bound to the engine's lifetime.
func (e *Engine) StartWorker() ControlResult {
	e.mu.Lock()
	runCtx, closing := e.runCtx, e.closing
	e.mu.Unlock()

	if runCtx == nil || closing {
		return ControlResult{Success: false, Message: "engine is not running", State: e.worker.State()}
	}

	return e.worker.Start(runCtx)
}

// PauseWorker pauses the current worker run.
func (e *Engine) PauseWorker() ControlResult { return e.worker.Pause() }

// ResumeWorker resumes a paused worker run.
func (e *Engine) ResumeWorker() ControlResult { return e.worker.Resume() }

// StopWorker stops the current worker run.
func (e *Engine) StopWorker() ControlResult { return e.worker.Stop() }

// ConfirmDeletion permanently removes the listed pending_deletion records
// and their files, reporting per ID.
func (e *Engine) ConfirmDeletion(ctx context.Context, ids []int64) []DeletionResult {
	return e.deletions.Confirm(ctx, ids)
}

// TriggerReconcile runs an out-of-schedule reconciliation, or joins one
// already in flight. The pass runs on the engine's run context: a caller
// that gives up (ctx done) stops waiting, but the pass completes and its
// report is retained for Status.
func (e *Engine) TriggerReconcile(ctx context.Context) (ReconcileReport, error) {
	type outcome struct {
		report ReconcileReport
		err    error
	}

	done := make(chan outcome, 1)
	pass := func(runCtx context.Context) {
		rep, err := e.reconciler.Run(runCtx)
		done <- outcome{rep, err}
	}

	e.mu.Lock()
	switch {
	case e.closing:
		e.mu.Unlock()
		return ReconcileReport{}, ErrEngineClosing
	case e.group == nil:
		// Not started: nothing owns background work yet.
		go pass(context.WithoutCancel(ctx))
	default:
		e.goLocked(pass)
	}
	e.mu.Unlock()

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
		return ReconcileReport{}, fmt.Errorf("sync: waiting for reconciliation: %w", ctx.Err())
	}
}

func (e *Engine) scheduledReconcile(ctx context.Context) {
	if _, err := e.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("reconciliation failed", slog.String("error", err.Error()))
	}
}

// requestReconcile runs a reconciliation in the background. Called by the
// watcher after events were lost.
func (e *Engine) requestReconcile() {
	if !e.cfg.ReconcileEnabled {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.goLocked(e.scheduledReconcile)
}

// goLocked runs fn on the background group unless shutdown has begun.
// Caller holds e.mu.
func (e *Engine) goLocked(fn func(ctx context.Context)) {
	if e.closing || e.group == nil {
		return
	}

	ctx := e.runCtx

	e.group.Go(func() error {
		fn(ctx)
		return nil
	})
}
