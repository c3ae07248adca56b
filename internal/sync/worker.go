package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ControlState is the Worker's externally visible control state.
type ControlState string

// Control states. stopping is transient and collapses to idle when the run
// goroutine exits.
const (
	WorkerIdle     ControlState = "idle"
	WorkerRunning  ControlState = "running"
	WorkerPaused   ControlState = "paused"
	WorkerStopping ControlState = "stopping"
)

const (
	// DefaultBatchSize is the number of records claimed per batch.
	DefaultBatchSize = 10
	// maxClaimRetries bounds back-to-back ErrClaimConflict retries.
	maxClaimRetries = 3
)

// ControlResult is the outcome of a start/pause/resume/stop request.
type ControlResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	State   ControlState `json:"state"`
}

// WorkerStats is a snapshot of the Worker's state and current-run counters.
type WorkerStats struct {
	State     ControlState `json:"state"`
	RunID     string       `json:"run_id,omitempty"`
	StartedAt time.Time    `json:"started_at,omitzero"`
	Succeeded int64        `json:"succeeded"`
	Failed    int64        `json:"failed"`
	LastError string       `json:"last_error,omitempty"`
}

// WorkerConfig holds the Worker's directories and tuning.
type WorkerConfig struct {
	StagingDir  string
	TargetDir   string
	StripSuffix string
	BatchSize   int
}

// Worker publishes staged files into the target tree under operator
// control. Control requests only change state under mu; the run goroutine
// observes them at checkpoints before each batch and each record.
type Worker struct {
	ledger *Ledger
	cfg    WorkerConfig
	logger *slog.Logger

	mu        stdsync.Mutex
	state     ControlState
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	// resume is non-nil while paused; closing it releases the run.
	resume chan struct{}
	// done is closed when the current run goroutine exits.
	done      chan struct{}
	lastError string

	succeeded atomic.Int64
	failed    atomic.Int64

	// beforeRecord runs before each record's checkpoint. Tests use it to
	// hold a run at a known point.
	beforeRecord func(rec *Record)
}

// NewWorker creates an idle Worker.
func NewWorker(ledger *Ledger, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Worker{
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		state:  WorkerIdle,
	}
}

// State returns the current control state.
func (w *Worker) State() ControlState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Stats returns a snapshot of state and current-run counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WorkerStats{
		State:     w.state,
		RunID:     w.runID,
		StartedAt: w.startedAt,
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		LastError: w.lastError,
	}
}

// Start launches a run derived from ctx. Allowed only from idle.
func (w *Worker) Start(ctx context.Context) ControlResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerIdle {
		return w.rejectLocked("start")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.state = WorkerRunning
	w.runID = uuid.NewString()
	w.startedAt = time.Now()
	w.cancel = cancel
	w.resume = nil
	w.done = done
	w.lastError = ""
	w.succeeded.Store(0)
	w.failed.Store(0)

	go w.run(runCtx, w.runID, done)

	return ControlResult{Success: true, Message: "worker started", State: w.state}
}

// Pause asks the run to idle at its next checkpoint. Allowed only from
// running.
func (w *Worker) Pause() ControlResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerRunning {
		return w.rejectLocked("pause")
	}

	w.state = WorkerPaused
	w.resume = make(chan struct{})

	w.logger.Info("worker paused", slog.String("run_id", w.runID))

	return ControlResult{Success: true, Message: "worker paused", State: w.state}
}

// Resume releases a paused run. Allowed only from paused.
func (w *Worker) Resume() ControlResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerPaused {
		return w.rejectLocked("resume")
	}

	w.state = WorkerRunning
	close(w.resume)
	w.resume = nil

	w.logger.Info("worker resumed", slog.String("run_id", w.runID))

	return ControlResult{Success: true, Message: "worker resumed", State: w.state}
}

// Stop cancels the run. Allowed from running or paused. The state returns
// to idle once the run goroutine has exited.
func (w *Worker) Stop() ControlResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerRunning && w.state != WorkerPaused {
		return w.rejectLocked("stop")
	}

	w.state = WorkerStopping
	w.cancel()

	if w.resume != nil {
		close(w.resume)
		w.resume = nil
	}

	w.logger.Info("worker stopping", slog.String("run_id", w.runID))

	return ControlResult{Success: true, Message: "worker stopping", State: w.state}
}

// Wait blocks until the current run (if any) exits or ctx expires.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for worker run: %w", ctx.Err())
	}
}

func (w *Worker) rejectLocked(op string) ControlResult {
	return ControlResult{
		Success: false,
		Message: fmt.Sprintf("cannot %s worker: worker is %s", op, w.state),
		State:   w.state,
	}
}

// run is the work loop of one run. It exits when the queue drains, the run
// is stopped, or the ledger fails.
func (w *Worker) run(ctx context.Context, runID string, done chan struct{}) {
	logger := w.logger.With(slog.String("run_id", runID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker: panic in run", slog.Any("panic", r))
			w.setLastError(fmt.Sprintf("panic: %v", r))
		}

		w.mu.Lock()
		w.state = WorkerIdle
		w.cancel()
		w.resume = nil
		close(done)
		w.mu.Unlock()

		logger.Info("worker run finished",
			slog.Int64("succeeded", w.succeeded.Load()),
			slog.Int64("failed", w.failed.Load()),
		)
	}()

	logger.Info("worker run started", slog.Int("batch_size", w.cfg.BatchSize))

	// A previous run stopped mid-batch may have left claimed records behind.
	if _, err := w.ledger.ReclaimSyncing(ctx); err != nil {
		logger.Error("worker: reclaiming abandoned records", slog.String("error", err.Error()))
		w.setLastError(err.Error())

		return
	}

	for {
		if err := w.checkpoint(ctx); err != nil {
			return
		}

		batch, err := w.claim(ctx, logger)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("worker: claiming batch", slog.String("error", err.Error()))
				w.setLastError(err.Error())
			}

			return
		}

		if len(batch) == 0 {
			logger.Info("worker: queue drained")
			return
		}

		for i := range batch {
			if w.beforeRecord != nil {
				w.beforeRecord(&batch[i])
			}

			if err := w.checkpoint(ctx); err != nil {
				logger.Info("worker: run canceled mid-batch",
					slog.Int("unprocessed", len(batch)-i))

				return
			}

			w.safePublish(ctx, logger, &batch[i])
		}
	}
}

// checkpoint blocks while paused and returns an error once the run is
// canceled.
func (w *Worker) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		resume := w.resume
		w.mu.Unlock()

		if resume == nil {
			return nil
		}

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claim wraps Ledger.ClaimBatch with bounded retries on claim conflicts.
func (w *Worker) claim(ctx context.Context, logger *slog.Logger) ([]Record, error) {
	var err error

	for attempt := 1; attempt <= maxClaimRetries; attempt++ {
		var batch []Record

		batch, err = w.ledger.ClaimBatch(ctx, w.cfg.BatchSize)
		if err == nil {
			return batch, nil
		}

		if !errors.Is(err, ErrClaimConflict) {
			return nil, err
		}

		logger.Warn("worker: claim conflict, retrying", slog.Int("attempt", attempt))
	}

	return nil, err
}

// safePublish keeps a panic on one record from ending the run.
func (w *Worker) safePublish(ctx context.Context, logger *slog.Logger, rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker: panic publishing record",
				slog.Int64("id", rec.ID), slog.Any("panic", r))
			w.markFailed(ctx, logger, rec, fmt.Errorf("panic: %v", r))
		}
	}()

	published, err := w.publish(ctx, rec)

	switch {
	case err != nil:
		w.markFailed(ctx, logger, rec, err)
	case published:
		w.succeeded.Add(1)
		logger.Debug("record published", slog.Int64("id", rec.ID), slog.String("path", rec.Key().String()))
	default:
		logger.Debug("record changed since claim, skipped", slog.Int64("id", rec.ID))
	}
}

// publish moves one claimed record's staged file into the target tree and
// marks it synced, all in one ledger transaction. The transaction ignores
// cancellation so a started move is always recorded. Returns false if the
// record is no longer syncing.
func (w *Worker) publish(ctx context.Context, claimed *Record) (bool, error) {
	txCtx := context.WithoutCancel(ctx)

	var published bool

	err := w.ledger.withTx(txCtx, func(tx *ledgerTx) error {
		rec, err := tx.getByID(txCtx, claimed.ID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if rec.Status != StatusSyncing {
			return nil
		}

		target, err := resolveTargetPath(w.cfg.TargetDir, rec.Dir, publishName(rec.OriginalFilename, w.cfg.StripSuffix))
		if err != nil {
			return err
		}

		staged := filepath.Join(w.cfg.StagingDir, rec.TempFilename)
		if _, err := os.Stat(staged); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrStagedMissing, rec.TempFilename)
			}

			return fmt.Errorf("sync: stat staged file %s: %w", rec.TempFilename, err)
		}

		if err := os.MkdirAll(filepath.Dir(target), targetDirPerms); err != nil {
			return fmt.Errorf("sync: creating target dir for %s: %w", rec.Key(), err)
		}

		// A same-device rename is instant; the cross-device fallback copies
		// while holding the ledger connection, like staging does.
		if err := moveFile(txCtx, staged, target); err != nil {
			return err
		}

		if _, err := os.Stat(target); err != nil {
			return fmt.Errorf("sync: verifying published file %s: %w", target, err)
		}

		published, err = tx.transition(txCtx, rec.ID, []Status{StatusSyncing}, StatusSynced)

		return err
	})

	return published, err
}

// markFailed records error_syncing for rec in its own transaction.
func (w *Worker) markFailed(ctx context.Context, logger *slog.Logger, rec *Record, cause error) {
	w.failed.Add(1)
	w.setLastError(cause.Error())

	logger.Warn("publish failed",
		slog.Int64("id", rec.ID),
		slog.String("path", rec.Key().String()),
		slog.String("error", cause.Error()),
	)

	if _, err := w.ledger.SetStatus(context.WithoutCancel(ctx), rec.ID, StatusErrorSyncing); err != nil {
		logger.Error("failed to record publish failure",
			slog.Int64("id", rec.ID), slog.String("error", err.Error()))
	}
}

func (w *Worker) setLastError(msg string) {
	w.mu.Lock()
	w.lastError = msg
	w.mu.Unlock()
}
