package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// DeletionOutcome is the per-ID result of a deletion confirmation.
type DeletionOutcome string

// Deletion outcomes.
const (
	DeletionDeleted DeletionOutcome = "deleted"
	DeletionSkipped DeletionOutcome = "skipped"
	DeletionFailed  DeletionOutcome = "failed"
)

// DeletionResult reports what happened to one confirmed ID.
type DeletionResult struct {
	ID      int64           `json:"id"`
	Outcome DeletionOutcome `json:"outcome"`
	Message string          `json:"message,omitempty"`
}

// DeletionHandler removes confirmed pending_deletion records together with
// their published and staged files.
type DeletionHandler struct {
	ledger      *Ledger
	stagingDir  string
	targetDir   string
	stripSuffix string
	logger      *slog.Logger
}

// NewDeletionHandler creates a DeletionHandler.
func NewDeletionHandler(ledger *Ledger, stagingDir, targetDir, stripSuffix string, logger *slog.Logger) *DeletionHandler {
	return &DeletionHandler{
		ledger:      ledger,
		stagingDir:  stagingDir,
		targetDir:   targetDir,
		stripSuffix: stripSuffix,
		logger:      logger,
	}
}

// Confirm processes each ID in its own transaction. A failure on one ID
// leaves that record untouched and does not affect the others.
func (h *DeletionHandler) Confirm(ctx context.Context, ids []int64) []DeletionResult {
	results := make([]DeletionResult, 0, len(ids))

	for _, id := range ids {
		results = append(results, h.confirmOne(ctx, id))
	}

	return results
}

func (h *DeletionHandler) confirmOne(ctx context.Context, id int64) DeletionResult {
	var (
		skipReason string
		targetPath string
	)

	err := h.ledger.withTx(ctx, func(tx *ledgerTx) error {
		rec, err := tx.getByID(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			skipReason = "record not found"
			return nil
		}

		if err != nil {
			return err
		}

		if rec.Status != StatusPendingDeletion {
			skipReason = fmt.Sprintf("record is %s", rec.Status)
			return nil
		}

		targetPath, err = resolveTargetPath(h.targetDir, rec.Dir, publishName(rec.OriginalFilename, h.stripSuffix))
		if err != nil {
			return err
		}

		if err := removeIfExists(targetPath); err != nil {
			return fmt.Errorf("sync: removing published file: %w", err)
		}

		if err := removeIfExists(filepath.Join(h.stagingDir, rec.TempFilename)); err != nil {
			return fmt.Errorf("sync: removing staged file: %w", err)
		}

		return tx.deleteRecord(ctx, id)
	})
	if err != nil {
		h.logger.Warn("deletion confirmation failed",
			slog.Int64("id", id), slog.String("error", err.Error()))

		return DeletionResult{ID: id, Outcome: DeletionFailed, Message: err.Error()}
	}

	if skipReason != "" {
		h.logger.Debug("deletion confirmation skipped",
			slog.Int64("id", id), slog.String("reason", skipReason))

		return DeletionResult{ID: id, Outcome: DeletionSkipped, Message: skipReason}
	}

	pruneEmptyDirs(h.targetDir, filepath.Dir(targetPath))

	h.logger.Info("deletion confirmed", slog.Int64("id", id))

	return DeletionResult{ID: id, Outcome: DeletionDeleted}
}
