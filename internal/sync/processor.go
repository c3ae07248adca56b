package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// StageResult describes what HandleCreateOrModify did with a file.
type StageResult int

// Stage results.
const (
	StageIgnored   StageResult = iota // not a regular file, vanished, or awaiting deletion confirmation
	StageUnchanged                    // duplicate notification, nothing to do
	StageCreated                      // new record inserted and file staged
	StageRestaged                     // existing record re-staged after a change
	StageFailed                       // staging failed; record marked error_copying where possible
)

func (r StageResult) String() string {
	switch r {
	case StageIgnored:
		return "ignored"
	case StageUnchanged:
		return "unchanged"
	case StageCreated:
		return "created"
	case StageRestaged:
		return "restaged"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("StageResult(%d)", int(r))
	}
}

// Processor applies single-file create/modify/delete signals to the ledger
// and the staging directory. Each call runs in exactly one ledger
// transaction; a staging failure is recorded in a second, independent one.
type Processor struct {
	ledger     *Ledger
	sourceDir  string
	stagingDir string
	logger     *slog.Logger
}

// NewProcessor creates a Processor for the given source and staging roots.
func NewProcessor(ledger *Ledger, sourceDir, stagingDir string, logger *slog.Logger) *Processor {
	return &Processor{
		ledger:     ledger,
		sourceDir:  sourceDir,
		stagingDir: stagingDir,
		logger:     logger,
	}
}

// HandleCreateOrModify stages absPath if it is new or changed since the
// ledger last saw it.
func (p *Processor) HandleCreateOrModify(ctx context.Context, absPath string) (StageResult, error) {
	key, err := keyForPath(p.sourceDir, absPath)
	if err != nil {
		return StageIgnored, err
	}

	// Lstat: symlinks and other special files are never staged, the same
	// rule the reconciler's walk applies.
	info, err := os.Lstat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed right after the event; the delete event follows.
			p.logger.Debug("source vanished before staging", slog.String("path", key.String()))
			return StageIgnored, nil
		}

		return StageIgnored, fmt.Errorf("sync: stat %s: %w", absPath, err)
	}

	if !info.Mode().IsRegular() {
		return StageIgnored, nil
	}

	mtime := info.ModTime()
	result := StageIgnored

	var copyErr error

	// The copy runs inside the transaction so a failed copy leaves no row
	// behind. It holds the ledger's only connection meanwhile: Status and
	// other readers wait for the copy of a large file to finish.
	err = p.ledger.withTx(ctx, func(tx *ledgerTx) error {
		rec, err := tx.getByKey(ctx, key)
		if err != nil {
			return err
		}

		if rec == nil {
			name, err := tx.allocateTempName(ctx, key.Name)
			if err != nil {
				return err
			}

			if err := stageFile(ctx, absPath, p.stagingDir, name, mtime); err != nil {
				copyErr = err
				return err
			}

			rec = &Record{
				Dir:                key.Dir,
				OriginalFilename:   key.Name,
				TempFilename:       name,
				Status:             StatusPendingSync,
				SourceLastModified: mtime.UnixNano(),
			}

			if err := tx.insert(ctx, rec); err != nil {
				return err
			}

			result = StageCreated

			return nil
		}

		if rec.Status == StatusPendingDeletion {
			p.logger.Info("source reappeared while awaiting deletion confirmation",
				slog.String("path", key.String()), slog.Int64("id", rec.ID))

			return nil
		}

		if rec.SourceLastModified == mtime.UnixNano() &&
			(rec.Status == StatusPendingSync || rec.Status == StatusSynced) {
			result = StageUnchanged
			return nil
		}

		if err := stageFile(ctx, absPath, p.stagingDir, rec.TempFilename, mtime); err != nil {
			copyErr = err
			return err
		}

		if err := tx.restage(ctx, rec.ID, mtime.UnixNano()); err != nil {
			return err
		}

		result = StageRestaged

		return nil
	})

	if copyErr != nil {
		p.recordCopyFailure(ctx, key, copyErr)
		return StageFailed, copyErr
	}

	if err != nil {
		return StageFailed, err
	}

	if result == StageCreated || result == StageRestaged {
		p.logger.Debug("file staged",
			slog.String("path", key.String()),
			slog.String("result", result.String()),
		)
	}

	return result, nil
}

// recordCopyFailure durably marks key as error_copying after the staging
// transaction rolled back. Cancellation during shutdown is not a failure.
func (p *Processor) recordCopyFailure(ctx context.Context, key Key, copyErr error) {
	if errors.Is(copyErr, context.Canceled) {
		return
	}

	if err := p.ledger.RecordCopyFailure(context.WithoutCancel(ctx), key); err != nil {
		p.logger.Error("failed to record staging failure",
			slog.String("path", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// HandleDelete marks the record for absPath pending_deletion. Staged and
// published copies are left alone until deletion is confirmed. Returns
// whether the record changed.
func (p *Processor) HandleDelete(ctx context.Context, absPath string) (bool, error) {
	key, err := keyForPath(p.sourceDir, absPath)
	if err != nil {
		return false, err
	}

	var changed bool

	err = p.ledger.withTx(ctx, func(tx *ledgerTx) error {
		rec, err := tx.getByKey(ctx, key)
		if err != nil {
			return err
		}

		if rec == nil {
			p.logger.Debug("delete for untracked path", slog.String("path", key.String()))
			return nil
		}

		if rec.Status == StatusPendingDeletion {
			return nil
		}

		changed, err = tx.transition(ctx, rec.ID, []Status{rec.Status}, StatusPendingDeletion)

		return err
	})
	if err != nil {
		return false, err
	}

	if changed {
		p.logger.Info("source removed, record pending deletion", slog.String("path", key.String()))
	}

	return changed, nil
}
