package engine

import (
	"context"
	"os"

	"github.com/BadgerOps/tapevault/internal/vault"
)

// ConfirmScan flags all TRANSFERRED batches in one step and queues a
// confirmation for each. Batches that become TRANSFERRED afterwards wait for
// the next scan.
func (a *Archiver) ConfirmScan(ctx context.Context) error {
	batches, err := a.store.BeginConfirmationScan()
	if err != nil {
		return err
	}

	for _, b := range batches {
		id := b.ID
		err := a.confirms.Submit(func(ctx context.Context) {
			if _, err := a.Confirm(ctx, id); err != nil {
				a.logger.Error("confirmation failed", "batch", id, "error", err)
			}
		})
		if err != nil {
			a.logger.Warn("confirmation not queued", "batch", id, "reason", err)
			if cerr := a.store.ClearInProgress(id); cerr != nil {
				return cerr
			}
		}
	}
	if len(batches) > 0 {
		a.logger.Debug("confirmation scan queued batches", "count", len(batches))
	}
	return nil
}

// Confirm checks whether every file of a flagged TRANSFERRED batch is on
// tape. If so the batch is CONFIRMED and its working directory removed.
// Anything else, including a failed probe, releases the flag and leaves the
// batch for a later scan.
func (a *Archiver) Confirm(ctx context.Context, batchID string) (bool, error) {
	b, err := a.store.GetBatch(batchID)
	if err != nil {
		return false, err
	}
	target := b.VaultPath
	if target == "" {
		target = a.vault.Target(batchID)
	}

	files, err := a.vault.ListStatus(ctx, target)
	if err != nil {
		a.logger.Warn("status probe failed, will recheck", "batch", batchID, "error", err)
		return false, a.store.ClearInProgress(batchID)
	}
	if !vault.AllOnTape(files) {
		a.logger.Info("batch not yet on tape", "batch", batchID, "states", stateCounts(files))
		return false, a.store.ClearInProgress(batchID)
	}

	if err := a.store.MarkConfirmed(batchID); err != nil {
		return false, err
	}
	a.logger.Info("batch confirmed on tape", "batch", batchID, "files", len(files))

	if err := os.RemoveAll(a.batchDir(batchID)); err != nil {
		a.logger.Error("removing batch working directory failed", "batch", batchID, "error", err)
	}
	return true, nil
}

func stateCounts(files []vault.FileStatus) map[vault.FileState]int {
	counts := make(map[vault.FileState]int)
	for _, f := range files {
		counts[f.State]++
	}
	return counts
}
