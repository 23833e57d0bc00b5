package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/tapevault/internal/catalog"
	"github.com/BadgerOps/tapevault/internal/store"
)

// dispatchTransfer flags a TRANSFERRING batch as in progress and hands it
// to the transfer pool. The flag is persisted before the task is queued.
// If the pool refuses the task the flag is released again so a later
// retry scan picks the batch up.
func (a *Archiver) dispatchTransfer(batchID string) error {
	won, err := a.store.TryBeginOperation(batchID, store.BatchTransferring)
	if err != nil {
		return err
	}
	if !won {
		a.logger.Debug("batch already in progress", "batch", batchID)
		return nil
	}

	err = a.transfers.Submit(func(ctx context.Context) {
		_ = a.AttemptTransfer(ctx, batchID)
	})
	if err != nil {
		a.logger.Warn("transfer not queued, leaving it to the retry scan", "batch", batchID, "reason", err)
		if cerr := a.store.ClearInProgress(batchID); cerr != nil {
			return fmt.Errorf("releasing batch %s: %w", batchID, cerr)
		}
		return nil
	}
	a.logger.Debug("transfer queued", "batch", batchID)
	return nil
}

// AttemptTransfer runs one transfer attempt for a batch whose in-progress
// flag the caller holds. On failure the attempt is recorded and the flag
// released; an attempt cut short by cancellation does not count against
// the batch's retry budget.
func (a *Archiver) AttemptTransfer(ctx context.Context, batchID string) error {
	b, err := a.store.GetBatch(batchID)
	if err != nil {
		if cerr := a.store.ClearInProgress(batchID); cerr != nil {
			a.logger.Error("releasing batch failed", "batch", batchID, "error", cerr)
		}
		return err
	}
	if b.Status != store.BatchTransferring {
		_ = a.store.ClearInProgress(batchID)
		return fmt.Errorf("batch %s is %s, not %s", batchID, b.Status, store.BatchTransferring)
	}

	a.logger.Info("transfer attempt starting", "batch", batchID, "attempts", b.Attempts)
	err = a.transfer(ctx, b)
	if err == nil {
		a.logger.Info("batch transferred", "batch", batchID, "target", a.vault.Target(batchID))
		return nil
	}

	increment := ctx.Err() == nil
	updated, rerr := a.store.RecordAttemptFailure(batchID, increment, err.Error(), a.opts.MaxAttempts, a.now())
	if rerr != nil {
		a.logger.Error("recording failed attempt", "batch", batchID, "error", rerr)
		return errors.Join(err, rerr)
	}

	if !increment {
		a.logger.Warn("transfer attempt interrupted", "batch", batchID, "error", err)
		return err
	}
	a.logger.Warn("transfer attempt failed",
		"batch", batchID,
		"attempts", updated.Attempts,
		"next_in", Threshold(updated.Attempts, a.opts.Backoff),
		"error", err,
	)
	if updated.Status == store.BatchFailed {
		a.alerter.BatchFailed(batchID, updated.Attempts, err.Error())
	}
	return err
}

// transfer performs the steps of an attempt. Each step is idempotent so a
// retry resumes where the previous attempt stopped.
func (a *Archiver) transfer(ctx context.Context, b *store.Batch) error {
	items, err := a.buildRepository(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("building repository: %w", err)
	}

	reg := registration(b.ID, "", nil, items)
	if err := a.catalog.RegisterBatch(ctx, reg); err != nil {
		return fmt.Errorf("registering batch: %w", err)
	}

	target := a.vault.Target(b.ID)
	if err := a.vault.Verify(ctx, target); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Info("no intact remote package, transferring", "batch", b.ID, "reason", err)
		if derr := a.vault.Delete(ctx, target); derr != nil {
			a.logger.Debug("delete before transfer failed", "batch", b.ID, "error", derr)
		}
		if err := a.vault.Create(ctx, a.repoDir(b.ID), target); err != nil {
			return err
		}
		if err := a.vault.Verify(ctx, target); err != nil {
			return err
		}
	} else {
		a.logger.Info("remote package already intact", "batch", b.ID)
	}

	sums, err := a.vault.Checksums(ctx, target)
	if err != nil {
		return err
	}
	parts := make([]store.Part, 0, len(sums))
	for _, s := range sums {
		parts = append(parts, store.Part{Index: s.Index, Name: s.Name, Algorithm: s.Algorithm, Checksum: s.Value})
	}
	if err := a.store.ReplaceParts(b.ID, parts); err != nil {
		return err
	}

	// The batch must not be TRANSFERRED before the catalog has its parts
	if err := a.catalog.RegisterBatch(ctx, registration(b.ID, target, parts, items)); err != nil {
		return fmt.Errorf("registering batch parts: %w", err)
	}
	return a.store.MarkTransferred(b.ID, target, a.now())
}

func registration(batchID, target string, parts []store.Part, items []store.Item) catalog.Registration {
	reg := catalog.Registration{
		BatchID:   batchID,
		VaultPath: target,
		Parts:     make([]catalog.Part, 0, len(parts)),
		Items:     make([]catalog.Item, 0, len(items)),
	}
	for _, p := range parts {
		reg.Parts = append(reg.Parts, catalog.Part{
			Index:     p.Index,
			Name:      p.Name,
			Algorithm: p.Algorithm,
			Checksum:  p.Checksum,
		})
	}
	for _, it := range items {
		reg.Items = append(reg.Items, catalog.Item{
			DatasetID:      it.DatasetID,
			DatasetVersion: it.DatasetVersion,
			BagID:          it.BagID,
			NBN:            it.NBN,
			ObjectID:       it.ObjectID,
			Checksum:       it.Checksum,
			Size:           it.Size,
		})
	}
	return reg
}
